package utils

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// Extracts an API key from either the Authorization header or the X-API-Key header
func ExtractAPIKey(ctx *fasthttp.RequestCtx) string {
	auth := GetHeader(ctx, "Authorization")
	if auth != "" {
		parts := strings.Fields(auth)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return GetHeader(ctx, "X-API-Key")
}

// Returns the role the gateway assigned to the request, lowercased
func GetApiRole(ctx *fasthttp.RequestCtx) string {
	return GetHeaderLower(ctx, "X-Role-Name")
}
