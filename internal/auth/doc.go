// Package auth issues and checks the bearer tokens that guard the HTTP API.
//
// Tokens are HS256 JWTs carrying a subject and one of two roles:
// viewer (read status, downloads, history and the event stream) and
// operator (everything a viewer can do plus the mutating commands).
// The role-permission mapping is static; there is no user database.
package auth
