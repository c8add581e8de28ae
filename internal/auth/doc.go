// Package auth issues and verifies the bearer tokens that guard the
// thermostatd HTTP API when security.auth_enabled is set.
//
// Tokens are HS256 JWTs signed with security.jwt.secret. There is no user
// database: whoever holds the secret can mint a token with
// "thermostatd token", and the API trusts any token that verifies.
package auth
