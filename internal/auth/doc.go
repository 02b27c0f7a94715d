// Package auth verifies client session tokens at the websocket handshake.
//
// Session issuance is owned by an external collaborator; the gateway only
// checks that a presented token is a valid HS256 JWT signed with the shared
// jwt_secret and extracts the client identity from the "sub" claim. The
// identity becomes the connection's owner and is what membership checks are
// run against.
//
// Generate exists for the external issuer's convenience in tests and tooling.
package auth
