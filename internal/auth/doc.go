// Package auth provides optional JWT authentication for coven-chat.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with auth.jwt_secret. The "sub" claim names
// the caller. An optional "sid" claim limits the token to one chat session.
//
//	v := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate("alice", "sess-123", 24*time.Hour)
//	claims, err := v.Verify(token)
//
// The coven-chat token command prints tokens for a subject and session.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware guards the WebSocket upgrade. The token is read from
// the Authorization header ("Bearer <token>") or, for browser clients that
// cannot set headers on an upgrade, from the token query parameter.
// Verified claims are attached to the request context:
//
//	claims := auth.FromContext(r.Context())
//
// When auth.jwt_secret is empty the middleware is not installed and the
// chat endpoint is open.
package auth
