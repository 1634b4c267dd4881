package service

import "net/http"

// CORS values sent on preflight answers and on every proxied response.
const (
	corsAllowOrigin  = "*"
	corsAllowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Requested-With"
	corsMaxAge       = "86400"
)

// ApplyCORS overwrites the CORS response headers on h.
func ApplyCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", corsAllowOrigin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

// ApplyPreflight sets the headers of a preflight answer on h.
func ApplyPreflight(h http.Header) {
	ApplyCORS(h)
	h.Set("Access-Control-Max-Age", corsMaxAge)
}
