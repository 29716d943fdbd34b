// Package auth turns bearer tokens into user ids.
//
// # Resolvers
//
// Tokens are JWTs whose "sub" claim is the user id.
//
//   - JWTVerifier: checks the HS256 signature with a shared secret. The relay
//     uses it, and clients may too when they know the secret.
//   - ClaimsResolver: reads "sub" without verifying. The chat client treats
//     its token as opaque and leaves verification to the server.
//
// NewResolver picks one based on whether a secret is configured.
//
// # HTTP
//
// Middleware authenticates a request from its "token" query parameter (or
// an Authorization: Bearer header) and stores the user id in the request
// context, retrievable with UserFromContext.
package auth
