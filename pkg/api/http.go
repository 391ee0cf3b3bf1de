package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"verifier/pkg/api/auth"
	"verifier/pkg/api/router"
	adminRoutes "verifier/pkg/api/routes/admin"
	backendRoutes "verifier/pkg/api/routes/backend"
)

// Deps are the components the routes serve.
type Deps struct {
	Backend backendRoutes.Handlers
	Admin   adminRoutes.Handlers
	// Ready reports whether the store is open; nil means always ready.
	Ready   func() bool
	Version string
}

// wrapHTTPHandler wraps an http.Handler to work with fasthttp.
func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// RegisterRoutes wires all API routes onto the provided router.
func RegisterRoutes(r *router.Router, d *Deps) {
	r.GET("/healthz", healthz)
	r.GET("/readyz", readyz(d))

	// bridge ingress
	r.POST("/v1/requests", d.Backend.SubmitRequest)
	r.PUT("/v1/accounts/{accountId}/status", d.Backend.SetAccountStatus)

	// admin reads
	r.GET("/admin/requests", d.Admin.ListRequests)
	r.GET("/admin/requests/{key}", d.Admin.GetRequestByKey)
	r.GET("/admin/requests/{type}/{messageId}", d.Admin.GetRequest)

	// admin principals
	r.PUT("/admin/users/{userId}", d.Admin.SetUserAuthority)
	r.PUT("/admin/channels/{channelId}", d.Admin.SetChannelAssignee)

	// admin jobs
	r.GET("/admin/jobs/process", d.Admin.JobStatus)
	r.POST("/admin/jobs/process", d.Admin.RunBatch)

	// admin debug
	r.GET("/admin/debug/prometheus", wrapHTTPHandler(promhttp.Handler()))
}

// Handler returns the fasthttp handler for the verifier API behind the
// auth gateway.
func Handler(d *Deps, gw *auth.Gateway) fasthttp.RequestHandler {
	r := router.New()
	RegisterRoutes(r, d)
	return gw.Middleware(r.Handler)
}

func healthz(ctx *fasthttp.RequestCtx) {
	_ = router.WriteJSON(ctx, map[string]string{"status": "ok"})
}

func readyz(d *Deps) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if d.Ready != nil && !d.Ready() {
			router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "not ready")
			return
		}
		ver := d.Version
		if ver == "" {
			ver = "dev"
		}
		_ = router.WriteJSON(ctx, map[string]string{"status": "ok", "version": ver})
	}
}
