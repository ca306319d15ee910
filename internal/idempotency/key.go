// Package idempotency derives deterministic idempotency keys.
//
// A key is SHA-256 over a domain-separated canonical record of
// (scope, operation, payload[, bucket]) rendered as 64 lowercase hex
// characters. Derivation is a pure function of its arguments: the caller
// supplies the wall-clock reading, so there is no shared mutable state and
// no randomness.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/roach88/bulbflow/internal/canonical"
	"github.com/roach88/bulbflow/internal/fault"
)

// DomainKey prefixes every key hash. The version suffix allows the
// derivation to change without colliding with keys already accepted.
const DomainKey = "bulbflow/idempotency-key/v1"

// KeyLength is the fixed width of a rendered key.
const KeyLength = sha256.Size * 2

// Identity addresses a remote capability.
type Identity struct {
	Scope     string `json:"scope"`
	Operation string `json:"operation"`
}

// String renders the identity as "scope/operation".
func (id Identity) String() string {
	return id.Scope + "/" + id.Operation
}

// Validate rejects identities that cannot be addressed.
func (id Identity) Validate() error {
	if id.Scope == "" {
		return fmt.Errorf("identity: scope is required")
	}
	if id.Operation == "" {
		return fmt.Errorf("identity: operation is required")
	}
	return nil
}

// Key is an opaque fixed-width idempotency token.
type Key string

// ParseKey validates s as a rendered key.
func ParseKey(s string) (Key, error) {
	if len(s) != KeyLength {
		return "", fmt.Errorf("idempotency key: want %d hex characters, got %d", KeyLength, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("idempotency key: invalid character %q at %d", c, i)
		}
	}
	return Key(s), nil
}

// Bucket quantizes now into a window index, floor(now / window).
// A zero or negative window has no bucket.
func Bucket(now time.Time, window time.Duration) (int64, bool) {
	if window <= 0 {
		return 0, false
	}
	ns := now.UnixNano()
	b := ns / int64(window)
	if ns%int64(window) != 0 && ns < 0 {
		b--
	}
	return b, true
}

// Derive computes the key for a call.
//
// With window > 0 the key is scoped to the time bucket containing now;
// with window == 0 the key depends on the payload alone and deduplicates
// forever. A payload that cannot be canonically encoded yields a
// fault.CodeEncoding error.
func Derive(id Identity, payload any, window time.Duration, now time.Time) (Key, error) {
	if err := id.Validate(); err != nil {
		return "", fault.Encoding(id.String(), err)
	}

	body, err := canonical.Normalize(payload)
	if err != nil {
		return "", fault.Encoding(id.String(), err)
	}

	record := map[string]any{
		"scope":     id.Scope,
		"operation": id.Operation,
		"payload":   body,
	}
	if b, ok := Bucket(now, window); ok {
		record["bucket"] = json.Number(strconv.FormatInt(b, 10))
	}

	data, err := canonical.Marshal(record)
	if err != nil {
		return "", fault.Encoding(id.String(), err)
	}
	return Key(hashWithDomain(DomainKey, data)), nil
}

// MustDerive is like Derive but panics on error. For tests and constant
// payloads only.
func MustDerive(id Identity, payload any, window time.Duration, now time.Time) Key {
	k, err := Derive(id, payload, window, now)
	if err != nil {
		panic(err)
	}
	return k
}

// hashWithDomain computes SHA256(domain + 0x00 + data). The separator
// keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
