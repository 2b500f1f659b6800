// Package auth defines the authentication contract consumed by the HTTP
// transports. The core never interprets credentials beyond extracting the
// bearer token and asking an Authenticator to resolve it to a principal;
// authorization decisions stay with the embedding application.
//
// Two implementations ship with the module: StaticTokenAuthenticator for
// tests and local development, and the JWT validator in the jwtauth package
// for deployments fronted by an identity provider.
package auth
