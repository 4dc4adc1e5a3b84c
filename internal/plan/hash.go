package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical re-marshals raw JSON with object keys sorted so that two
// semantically equal documents hash identically.
func Canonical(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("canonicalize plan json: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Hash returns the content fingerprint of a plan payload. Intents bind to
// this value, so an approved plan cannot be mutated and then executed under
// the old authorization.
func Hash(raw []byte) (string, error) {
	canonical, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint binds an intent to one exact plan revision.
type Fingerprint struct {
	PlanID   string          `json:"plan_id"`
	PlanHash string          `json:"plan_hash"`
	PlanJSON json.RawMessage `json:"plan_json"`
}

// Encode returns the canonical encoding used for intent payload comparison.
func (f Fingerprint) Encode() (string, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return Canonical(raw)
}
