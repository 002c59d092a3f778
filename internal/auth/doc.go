// Package auth provides authentication for the agentchat API and socket.
//
// # Tokens
//
// Sessions are HS256 JWTs signed with auth.jwt_secret (at least 32 bytes).
// A user token carries sub (user id) and role; a guest token carries sub
// (a random session id) and guest=true.
//
//	v, err := auth.NewJWTVerifier(secret)
//	token, err := v.Generate(userID, "user", 7*24*time.Hour)
//
// # Authenticator
//
// Authenticator verifies a token and, for registered users, confirms the
// user still exists. The role in the AuthContext always comes from the store.
// Guest tokens are accepted only when auth.allow_guests is set.
//
// The REST API uses HTTPAuthMiddleware, with RequireUserHTTP and
// RequireAdminHTTP layered on for account and admin routes. The socket
// authenticates once at upgrade time using the same Authenticator, reading
// the token from the Authorization header or the token query parameter.
package auth
