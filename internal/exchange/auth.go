package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"wolfinch/internal/config"
)

// ErrAuthFailure marks credentials the venue refused. It is fatal for the
// adapter that raised it; other venues keep running.
var ErrAuthFailure = errors.New("exchange authentication failed")

// Signer produces HMAC-SHA256 request signatures over the canonical query
// string, hex-encoded the way binance-style venues verify them. The API key
// travels in a header; only the secret ever touches the MAC.
type Signer struct {
	apiKey string
	secret []byte
}

func NewSigner(creds config.Credentials) (*Signer, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("%w: missing api key or secret", ErrAuthFailure)
	}
	return &Signer{
		apiKey: creds.APIKey,
		secret: []byte(creds.APISecret),
	}, nil
}

// APIKey returns the key for the X-MBX-APIKEY style header.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign computes the hex HMAC-SHA256 of the encoded query string.
func (s *Signer) Sign(query string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
