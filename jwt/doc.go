// Package jwt issues and verifies the engine's access tokens.
package jwt
