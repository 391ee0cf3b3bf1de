package admin

import "time"

// Handlers serves the /admin routes. Runner is nil when no request type is
// deferred.
type Handlers struct {
	Requests   Requests
	Principals Principals
	Runner     Runner
	Now        func() time.Time
}
