// Package auth handles device credentials: fingerprinting for connection
// pooling and the handshake headers used by the device bridge.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
)

// fingerprintKey domain-separates credential fingerprints from other hashes.
var fingerprintKey = []byte("routerstream/credentials/v1")

// Credentials holds the username and password for one device.
type Credentials struct {
	Username string
	Password string
}

// Fingerprint returns a stable, non-reversible identifier for the credentials.
// Two configs for the same device with different credentials must not share a
// session, so the fingerprint is part of the pooling key.
func (c Credentials) Fingerprint() string {
	mac := hmac.New(sha256.New, fingerprintKey)
	mac.Write([]byte(c.Username))
	mac.Write([]byte{0})
	mac.Write([]byte(c.Password))
	return hex.EncodeToString(mac.Sum(nil))
}

// Empty reports whether no credentials are set.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Header returns the HTTP headers for the bridge WebSocket handshake.
func (c Credentials) Header() http.Header {
	header := http.Header{}
	header.Set("Accept", "application/json")
	if !c.Empty() {
		token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		header.Set("Authorization", "Basic "+token)
	}
	return header
}
