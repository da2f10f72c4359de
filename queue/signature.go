package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Delivery headers shared by every dispatcher variant.
const (
	HeaderSignature = "Upstash-Signature"
	HeaderRetries   = "Upstash-Retries"
	HeaderRetried   = "Upstash-Retried"
	HeaderDelay     = "Upstash-Delay"
	HeaderLocalDev  = "X-Local-Dev"
)

// ErrBadSignature is returned when a delivery does not validate against
// either signing key.
var ErrBadSignature = errors.New("queue: signature verification failed")

// Signer produces and checks body signatures of the form
// "v1=<base64(timestamp)>.<base64(hmac)>". The mac covers timestamp and body
// so a replayed signature cannot be moved onto a different payload. Two keys
// are held so key rotation never drops in-flight jobs: signing always uses
// the current key, verification accepts either.
type Signer struct {
	current []byte
	next    []byte
}

// NewSigner builds a Signer; next may be empty when no rotation is underway.
func NewSigner(currentKey, nextKey string) (*Signer, error) {
	if currentKey == "" {
		return nil, fmt.Errorf("queue: signing key required")
	}
	s := &Signer{current: []byte(currentKey)}
	if nextKey != "" {
		s.next = []byte(nextKey)
	}
	return s, nil
}

// Sign returns the signature header value for body.
func (s *Signer) Sign(body []byte, now time.Time) string {
	ts := fmt.Sprintf("%d", now.Unix())
	mac := computeMAC(s.current, ts, body)
	return "v1=" + base64.RawURLEncoding.EncodeToString([]byte(ts)) + "." +
		base64.RawURLEncoding.EncodeToString(mac)
}

// Verify checks header against body with either key.
func (s *Signer) Verify(header string, body []byte) error {
	raw, ok := strings.CutPrefix(header, "v1=")
	if !ok {
		return ErrBadSignature
	}
	tsPart, macPart, ok := strings.Cut(raw, ".")
	if !ok {
		return ErrBadSignature
	}
	tsBytes, err := base64.RawURLEncoding.DecodeString(tsPart)
	if err != nil {
		return ErrBadSignature
	}
	got, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return ErrBadSignature
	}

	ts := string(tsBytes)
	if hmac.Equal(got, computeMAC(s.current, ts, body)) {
		return nil
	}
	if s.next != nil && hmac.Equal(got, computeMAC(s.next, ts, body)) {
		return nil
	}
	return ErrBadSignature
}

func computeMAC(key []byte, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
