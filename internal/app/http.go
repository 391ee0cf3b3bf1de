package app

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"verifier/pkg/api"
	"verifier/pkg/api/auth"
	adminRoutes "verifier/pkg/api/routes/admin"
	backendRoutes "verifier/pkg/api/routes/backend"
	"verifier/pkg/config/banner"
	"verifier/pkg/logger"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

func (a *App) secConfig() auth.SecConfig {
	cfg := a.eff.Config
	sec := auth.SecConfig{
		RPS:         cfg.Server.RateLimit.RPS,
		Burst:       cfg.Server.RateLimit.Burst,
		IPWhitelist: append([]string{}, cfg.Server.IPWhitelist...),
		BackendKeys: map[string]struct{}{},
		AdminKeys:   map[string]struct{}{},
	}
	for _, k := range cfg.Server.APIKeys.Backend {
		sec.BackendKeys[k] = struct{}{}
	}
	for _, k := range cfg.Server.APIKeys.Admin {
		sec.AdminKeys[k] = struct{}{}
	}
	return sec
}

func (a *App) deps() *api.Deps {
	d := &api.Deps{
		Backend: backendRoutes.Handlers{Arrivals: a.service, Accounts: a.registry},
		Admin:   adminRoutes.Handlers{Requests: a.requests, Principals: a.principals},
		Ready:   a.db.Ready,
		Version: a.version,
	}
	// leave the interface nil when nothing is deferred
	if a.sched != nil {
		d.Admin.Runner = a.sched
	}
	return d
}

// startHTTP builds and starts the fasthttp server, returning a channel that delivers errors.
func (a *App) startHTTP(_ context.Context) <-chan error {
	a.gateway = auth.NewGateway(a.secConfig())

	const (
		readBufferSize       = 16 * 1024
		maxRequestBodySize   = 1 * 1024 * 1024 // snapshots are small
		readTimeout          = 10 * time.Second
		writeTimeout         = 30 * time.Second // manual batch runs answer on this connection
		idleTimeout          = 30 * time.Second
		maxKeepaliveDuration = 2 * time.Minute
	)
	a.srvFast = &fasthttp.Server{
		Name:                 "verifier",
		Handler:              api.Handler(a.deps(), a.gateway),
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   maxRequestBodySize,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}

	addr := a.eff.Addr
	tls := a.eff.Config.Server.TLS
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_server_listening", "addr", addr, "tls", tls.CertFile != "")
		if tls.CertFile != "" {
			errCh <- a.srvFast.ListenAndServeTLS(addr, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.srvFast.ListenAndServe(addr)
	}()
	return errCh
}
