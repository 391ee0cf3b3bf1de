package auth

import (
	"net"

	"github.com/valyala/fasthttp"

	"verifier/pkg/api/router"
	"verifier/pkg/api/utils"
	"verifier/pkg/logger"
)

// caller role
type Role int

const (
	RoleUnauth Role = iota
	RoleBackend
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	default:
		return "unauth"
	}
}

// security config
type SecConfig struct {
	RPS         float64
	Burst       int
	IPWhitelist []string
	BackendKeys map[string]struct{}
	AdminKeys   map[string]struct{}
}

// Gateway authenticates requests in front of the router. Backend keys reach
// /v1 routes, admin keys reach /admin routes, and /healthz and /readyz are
// open to everyone on the IP allow list.
type Gateway struct {
	cfg      SecConfig
	limiters *limiterPool
}

func NewGateway(cfg SecConfig) *Gateway {
	return &Gateway{cfg: cfg, limiters: &limiterPool{cfg: cfg}}
}

// Close stops the limiter cleanup goroutine.
func (g *Gateway) Close() {
	g.limiters.Shutdown()
}

func (g *Gateway) Middleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	cfg := g.cfg
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)

		// ip whitelist check (always first)
		if len(cfg.IPWhitelist) > 0 {
			ip := clientIPFast(ctx)
			if !ipWhitelisted(ip, cfg.IPWhitelist) {
				router.WriteJSONError(ctx, fasthttp.StatusForbidden, "forbidden")
				logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", utils.GetPath(ctx))
				return
			}
		}

		if publicAllowedPath(ctx) {
			ctx.Request.Header.Set("X-Role-Name", RoleUnauth.String())
			next(ctx)
			return
		}

		role, key, hasAPIKey := validateAPIKey(ctx, cfg)
		if role == RoleUnauth || !hasAPIKey {
			router.WriteJSONError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
			logger.Warn("request_unauthorized", "path", utils.GetPath(ctx), "remote", ctx.RemoteAddr().String())
			return
		}
		ctx.Request.Header.Set("X-Role-Name", role.String())

		if role == RoleBackend && utils.HasPathPrefix(ctx, "/admin") {
			router.WriteJSONError(ctx, fasthttp.StatusForbidden, "backend api keys cannot access admin routes")
			logger.Warn("backend_admin_access_attempt", "path", utils.GetPath(ctx), "remote", ctx.RemoteAddr().String())
			return
		}
		if role == RoleAdmin && !utils.HasPathPrefix(ctx, "/admin") {
			router.WriteJSONError(ctx, fasthttp.StatusForbidden, "admin api keys may only access /admin routes")
			logger.Warn("admin_route_violation", "path", utils.GetPath(ctx), "remote", ctx.RemoteAddr().String())
			return
		}

		// per-key rate limit
		if !g.limiters.Allow(key) {
			router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
			logger.Warn("rate_limited", "role", role.String(), "path", utils.GetPath(ctx))
			return
		}

		next(ctx)
	}
}

func clientIPFast(ctx *fasthttp.RequestCtx) string {
	host := ctx.RemoteAddr().String()
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

func validateAPIKey(ctx *fasthttp.RequestCtx, cfg SecConfig) (Role, string, bool) {
	key := utils.ExtractAPIKey(ctx)
	if key == "" {
		return RoleUnauth, clientIPFast(ctx), false
	}
	if _, ok := cfg.AdminKeys[key]; ok {
		return RoleAdmin, key, true
	}
	if _, ok := cfg.BackendKeys[key]; ok {
		return RoleBackend, key, true
	}
	return RoleUnauth, key, true
}

func ipWhitelisted(ip string, list []string) bool {
	for _, w := range list {
		if ip == w {
			return true
		}
	}
	return false
}

func publicAllowedPath(ctx *fasthttp.RequestCtx) bool {
	path := utils.GetPath(ctx)
	return (path == "/healthz" || path == "/readyz") && string(ctx.Method()) == fasthttp.MethodGet
}
