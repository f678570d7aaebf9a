// Package auth authenticates API and websocket clients.
//
// Clients present an HS256 JWT signed with auth.jwt_secret. The "sub" claim is
// the principal id; no principal registry is consulted. Tokens are issued with
// JWTVerifier.Generate (exposed as "chatline token").
//
//	verifier, err := NewJWTVerifier(secret)
//	r.Use(HTTPAuthMiddleware(verifier))
//
// Handlers read the identity back with FromContext or PrincipalID.
//
// When no secret is configured the gateway passes a nil verifier and every
// request is treated as anonymous.
package auth
