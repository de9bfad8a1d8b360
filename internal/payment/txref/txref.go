// Package txref builds and parses checkout transaction references of the form
// BF-{planId}-{timestampMs}[-{userIdPrefix8}]-{random6}.
package txref

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	prefix       = "BF"
	randomLength = 6
	userPrefixLn = 8
	alphabet     = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var ErrMalformed = errors.New("malformed transaction reference")

// Ref is a decoded transaction reference.
type Ref struct {
	PlanID     string
	IssuedAt   time.Time
	UserPrefix string
	Random     string
}

// New returns a reference for a checkout of planID started at now. userID is
// optional; when set its first eight characters are embedded.
func New(planID string, now time.Time, userID string) string {
	parts := []string{prefix, sanitize(planID), strconv.FormatInt(now.UnixMilli(), 10)}
	if user := strings.ReplaceAll(sanitize(userID), "-", ""); user != "" {
		if len(user) > userPrefixLn {
			user = user[:userPrefixLn]
		}
		parts = append(parts, user)
	}
	parts = append(parts, randomString(randomLength))
	return strings.Join(parts, "-")
}

// Parse decodes a reference built by New. Plan identifiers may themselves
// contain hyphens, so the trailing fields are read from the right.
func Parse(ref string) (Ref, error) {
	parts := strings.Split(strings.TrimSpace(ref), "-")
	if len(parts) < 4 || parts[0] != prefix {
		return Ref{}, ErrMalformed
	}

	out := Ref{Random: parts[len(parts)-1]}
	if len(out.Random) != randomLength {
		return Ref{}, ErrMalformed
	}
	rest := parts[1 : len(parts)-1]

	tsIdx := len(rest) - 1
	if !isTimestamp(rest[tsIdx]) {
		tsIdx--
		if tsIdx < 1 || !isTimestamp(rest[tsIdx]) {
			return Ref{}, ErrMalformed
		}
		out.UserPrefix = rest[len(rest)-1]
	}
	if tsIdx < 1 {
		return Ref{}, ErrMalformed
	}

	ms, _ := strconv.ParseInt(rest[tsIdx], 10, 64)
	out.IssuedAt = time.UnixMilli(ms).UTC()
	out.PlanID = strings.Join(rest[:tsIdx], "-")
	return out, nil
}

// IsRef reports whether s looks like a reference built by New.
func IsRef(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Millisecond timestamps have at least ten digits; user prefixes have at most eight.
func isTimestamp(s string) bool {
	if len(s) < 10 {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func randomString(n int) string {
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		buf[i] = alphabet[v.Int64()]
	}
	return string(buf)
}
