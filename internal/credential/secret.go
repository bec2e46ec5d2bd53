package credential

import (
	"fmt"
	"io"
)

const redacted = "**********"

// Secret holds a sensitive value. It redacts itself under every fmt verb
// and every text-based marshaller, so a Secret embedded in a logged or
// serialized struct never reveals its value. Reveal is the only accessor.
type Secret struct {
	value string
}

// NewSecret wraps a sensitive value.
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the secret value. Call it only at the boundary where the
// value is handed to an authentication library.
func (s Secret) Reveal() string {
	return s.value
}

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool {
	return s.value == ""
}

func (s Secret) String() string {
	if s.value == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v redacted.
func (s Secret) GoString() string {
	return fmt.Sprintf("credential.Secret(%q)", s.String())
}

// Format keeps every other verb (%d, %x, %q...) redacted.
func (s Secret) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('#') {
		io.WriteString(f, s.GoString())
		return
	}
	io.WriteString(f, s.String())
}

// MarshalText is used by encoding/json, yaml.v3, and CBOR alike.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
