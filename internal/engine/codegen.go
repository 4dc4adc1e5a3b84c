package engine

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// errCodeExhausted means every candidate code collided. Callers record
// it against the item rather than failing the request.
var errCodeExhausted = errors.New("no available code")

// Unambiguous uppercase alphabet for coupon and link codes.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeAttempts = 5

// attributionCodeLen is the length of tracked short-link codes.
const attributionCodeLen = 6

func randCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}

// codePrefix derives a readable prefix from a suggested code or name,
// keeping letters and digits only.
func codePrefix(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 12 {
			break
		}
	}
	if b.Len() == 0 {
		return "PROMO"
	}
	return b.String()
}

// createWithRetry runs create with candidate codes until one is accepted.
// The first attempt uses the suggestion verbatim when present; collisions
// fall back to suggestion-derived codes with a random suffix. taken
// decides whether an error means the code collided (retry) or something
// else broke (give up).
func createWithRetry(suggestion string, taken func(error) bool, create func(code string) error) (string, error) {
	prefix := codePrefix(suggestion)
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code := suggestion
		if attempt > 0 || code == "" {
			suffix, err := randCode(4)
			if err != nil {
				return "", err
			}
			code = prefix + suffix
		}
		err := create(code)
		if err == nil {
			return code, nil
		}
		if !taken(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w after %d attempts", errCodeExhausted, codeAttempts)
}

// createRandomCode is createWithRetry without a suggestion: every
// attempt is a fresh random code of the given length.
func createRandomCode(n int, taken func(error) bool, create func(code string) error) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := randCode(n)
		if err != nil {
			return "", err
		}
		err = create(code)
		if err == nil {
			return code, nil
		}
		if !taken(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w after %d attempts", errCodeExhausted, codeAttempts)
}
