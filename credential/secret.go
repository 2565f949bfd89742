// Package credential manages scoped credential bindings for pipeline
// stages. A binding names a secret and declares how it is materialized
// (environment values or a file); the scope manager resolves the secret
// immediately before the stage body runs and guarantees removal on
// every exit path, so secret material exists only while its owning
// stage is active.
package credential

import (
	"encoding/json"
	"time"
)

// Secret holds resolved secret material with metadata. The value is
// never logged; Clear zeroes the backing memory.
type Secret struct {
	// Value contains the secret data. Never log or expose it.
	Value []byte

	// Version tracks the provider-side version for rotation.
	Version string

	// CreatedAt records when the secret was resolved.
	CreatedAt time.Time
}

// Clear zeroes the secret value in place. Safe to call repeatedly.
func (s *Secret) Clear() {
	if s == nil {
		return
	}
	for i := range s.Value {
		s.Value[i] = 0
	}
	s.Value = nil
}

// String returns the secret value as a string copy.
func (s *Secret) String() string {
	if s == nil || s.Value == nil {
		return ""
	}
	return string(s.Value)
}

// UserPass is the decoded form of a username/password secret.
type UserPass struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DecodeUserPass parses a secret stored as a JSON username/password
// pair. Returns false if the value is not such a document.
func (s *Secret) DecodeUserPass() (UserPass, bool) {
	var up UserPass
	if s == nil || len(s.Value) == 0 {
		return up, false
	}
	if err := json.Unmarshal(s.Value, &up); err != nil {
		return UserPass{}, false
	}
	if up.Username == "" && up.Password == "" {
		return UserPass{}, false
	}
	return up, true
}

// Ref identifies a secret within a provider without containing its value.
type Ref struct {
	// Path identifies the secret location (e.g. "registry/login").
	Path string `yaml:"path"`

	// Version selects a specific secret version; empty means latest.
	Version string `yaml:"version,omitempty"`
}
