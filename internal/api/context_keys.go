// internal/api/context_keys.go
package api

// Context key types to avoid collisions
type contextKey string

const (
	claimsKey contextKey = "operator_claims"
)
