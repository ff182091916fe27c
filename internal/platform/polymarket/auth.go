package polymarket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// APICreds holds the pre-derived credentials for HMAC-authenticated requests
// against the Polymarket CLOB API. Key derivation and order signing happen
// outside this process; the bot only attaches L2 headers.
type APICreds struct {
	Key        string // API key
	Secret     string // API secret, base64-encoded
	Passphrase string // API passphrase
}

// Headers returns the HTTP headers for an authenticated CLOB request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64. The secret is base64-decoded before use as the HMAC key.
func (c *APICreds) Headers(method, path, body string) map[string]string {
	return c.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (c *APICreds) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	secretBytes, err := base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		// If decoding fails, fall back to raw bytes so the caller gets an
		// obviously-wrong signature rather than a panic.
		secretBytes = []byte(c.Secret)
	}

	message := ts + method + path + body
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_API_KEY":    c.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}
