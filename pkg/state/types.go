package state

import "path/filepath"

type Paths struct {
	DB    string
	Store string // pebble data for the request queue and principals
	State string
	Audit string
	Crash string
	Abort string
	Tmp   string
}

func PathsFor(dbPath string) Paths {
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		DB:    dbPath,
		Store: filepath.Join(dbPath, "store"),

		State: statePath,
		Audit: filepath.Join(statePath, "audit"),
		Crash: filepath.Join(statePath, "crash"),
		Abort: filepath.Join(statePath, "abort"),
		Tmp:   filepath.Join(statePath, "tmp"),
	}
}

func StorePath(dbPath string) string { return PathsFor(dbPath).Store }
func AuditPath(dbPath string) string { return PathsFor(dbPath).Audit }
func CrashPath(dbPath string) string { return PathsFor(dbPath).Crash }
