package store

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Cursors are opaque to clients: base64 over "id::createdAtRFC3339Nano".
// The pair keys the (created_at, id) sort so pagination is stable even when
// rows share a timestamp. URL-safe alphabet so tokens survive query strings.

// EncodeCursor packs an asset position into an opaque token.
func EncodeCursor(id string, createdAt time.Time) string {
	raw := id + "::" + createdAt.UTC().Format(time.RFC3339Nano)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks a token produced by EncodeCursor.
func DecodeCursor(cursor string) (id string, createdAt time.Time, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decode cursor: %w", err)
	}
	id, stamp, ok := strings.Cut(string(raw), "::")
	if !ok || id == "" {
		return "", time.Time{}, fmt.Errorf("decode cursor: malformed token")
	}
	createdAt, err = time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decode cursor: bad timestamp: %w", err)
	}
	return id, createdAt, nil
}
