// Package auth issues and verifies self-contained room access tokens.
//
// A token carries everything needed to check it: the room it grants, an
// absolute expiry, a random nonce and an HMAC-SHA256 signature over those
// three fields. Nothing is stored server side, so any instance holding
// the shared secret can verify any token. Tokens are never revoked; they
// stop working when they expire.
//
// Wire form: base64(roomId "|" expiresAtMillis "|" nonce "|" hexSignature).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BlkSword/Strange-room/pkg/clock"
)

// DefaultSecret is used when no secret is configured. It is public and
// therefore insecure; deployments must set their own.
const DefaultSecret = "strange-room-secret-change-in-production"

const (
	separator = "|"
	nonceLen  = 16
)

// Errors returned by Verify. Reason maps them to the strings clients see.
var (
	ErrMissingToken     = errors.New("auth: missing token")
	ErrInvalidToken     = errors.New("auth: token is not valid base64")
	ErrInvalidFormat    = errors.New("auth: token does not have four fields")
	ErrTokenExpired     = errors.New("auth: token has expired")
	ErrInvalidSignature = errors.New("auth: signature mismatch")
	ErrEmptyRoom        = errors.New("auth: empty room id")
)

// Codec signs and verifies tokens with one secret and a fixed lifetime.
type Codec struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewCodec creates a codec. An empty secret falls back to DefaultSecret.
func NewCodec(secret string, ttl time.Duration, clk clock.Clock) *Codec {
	if secret == "" {
		secret = DefaultSecret
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Codec{secret: []byte(secret), ttl: ttl, clock: clk}
}

// TTL is the lifetime given to every issued token.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue mints a token for roomID that expires TTL from now.
func (c *Codec) Issue(roomID string) (string, time.Time, error) {
	if roomID == "" {
		return "", time.Time{}, ErrEmptyRoom
	}
	if strings.Contains(roomID, separator) {
		return "", time.Time{}, fmt.Errorf("auth: room id %q contains %q", roomID, separator)
	}
	nonce, err := RandomString(nonceLen)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: nonce: %w", err)
	}

	expiresAt := c.clock.Now().Add(c.ttl)
	payload := strings.Join([]string{roomID, strconv.FormatInt(expiresAt.UnixMilli(), 10), nonce}, separator)
	raw := payload + separator + c.sign(payload)
	return base64.StdEncoding.EncodeToString([]byte(raw)), time.UnixMilli(expiresAt.UnixMilli()), nil
}

// Verify checks tok and returns the room it was issued for. Any problem
// is reported as one of the package errors; Verify never panics on input.
func (c *Codec) Verify(tok string) (string, error) {
	if tok == "" {
		return "", ErrMissingToken
	}

	raw, err := decode(tok)
	if err != nil {
		return "", ErrInvalidToken
	}

	parts := strings.Split(string(raw), separator)
	if len(parts) != 4 {
		return "", ErrInvalidFormat
	}
	roomID, expires, nonce, sig := parts[0], parts[1], parts[2], parts[3]

	expiresAt, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return "", ErrInvalidFormat
	}
	if c.clock.Now().UnixMilli() > expiresAt {
		return "", ErrTokenExpired
	}

	payload := roomID + separator + expires + separator + nonce
	if !hmac.Equal([]byte(sig), []byte(c.sign(payload))) {
		return "", ErrInvalidSignature
	}
	return roomID, nil
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// decode accepts padded or unpadded standard base64. Query strings that
// were not escaped turn '+' into ' ', so spaces are mapped back first.
func decode(tok string) ([]byte, error) {
	tok = strings.ReplaceAll(tok, " ", "+")
	if raw, err := base64.StdEncoding.Strict().DecodeString(tok); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.Strict().DecodeString(tok)
}

// Reason returns the client-facing message for a Verify error.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingToken):
		return "Missing token"
	case errors.Is(err, ErrInvalidFormat):
		return "Invalid token format"
	case errors.Is(err, ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, ErrInvalidSignature):
		return "Invalid signature"
	default:
		return "Invalid token"
	}
}
