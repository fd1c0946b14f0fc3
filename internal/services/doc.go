// package services defines thin clients for the upstream catalog APIs
//
// Spotify (client-credentials or user session), Apple Music (developer token)
package services
