package schema

import (
	"crypto/subtle"
	"fmt"
)

// Secret is a string that never prints or serializes its value. Use Value or
// Bytes at the point where the plain material is needed.
type Secret string

const secretMask = "******"

// String masks non-empty secrets; an empty secret prints as "".
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretMask
}

// GoString covers %#v, which bypasses String.
func (s Secret) GoString() string { return fmt.Sprintf("schema.Secret(%q)", s.String()) }

func (s Secret) Value() string { return string(s) }

func (s Secret) Bytes() []byte { return []byte(s) }

func (s Secret) IsEmpty() bool { return s == "" }

// Equal compares in constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare([]byte(s), []byte(other)) == 1
}

// MarshalText is used by both encoding/json and yaml.v3, so configs dumped in
// either format carry the mask instead of the value.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the plain value.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
