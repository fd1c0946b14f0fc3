// package auth owns every credential used against the upstream catalog APIs:
// the client-credentials bearer token for app-level Spotify reads, the ES256
// developer token for Apple Music, and refresh handling for per-user OAuth
// sessions. Nothing in this package writes a credential to a log or an HTTP
// response body.
package auth
