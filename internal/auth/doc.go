// Package auth protects the gateway's admin HTTP API.
//
// # Tokens
//
// Operators authenticate with HS256 JWTs signed with auth.jwt_secret (at least
// 32 bytes). Tokens carry:
//
//   - sub: free-form operator name, logged with admin actions
//   - role: "admin" or "operator" (missing means operator)
//   - iat, exp: issue and expiry times
//
// Tokens are minted offline with `cobrai-gateway token`.
//
// # Middleware
//
//	HTTPAuthMiddleware(verifier) // 401 unless a valid bearer token is present
//	RequireAdminHTTP()           // 403 unless the token carries role=admin
//
// Read-only endpoints (session snapshots, usage stats) need any valid token.
// Session resets need an admin token. When no secret is configured the admin
// API runs unauthenticated and the gateway logs a warning at startup.
//
// The WhatsApp webhook is not covered by this package; it is protected by the
// verify token handshake and the optional payload signature.
package auth
