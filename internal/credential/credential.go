// Package credential resolves configured credential references into
// structured credentials whose secret material is only reachable through
// a narrow accessor.
package credential

import (
	"fmt"
)

// Method tags which secret payload a credential carries.
type Method string

const (
	MethodPassword     Method = "password"
	MethodKey          Method = "key"
	MethodEncryptedKey Method = "encrypted_key"
)

// Credential is a resolved credential. Exactly one payload is populated,
// matching Method: Password for password, KeyPath for key, KeyPath and
// Passphrase for encrypted_key.
type Credential struct {
	Name       string
	Username   string
	Method     Method
	Password   Secret
	KeyPath    string
	Passphrase Secret
}

// Validate checks that the populated payload matches the method tag.
func (c *Credential) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is empty")
	}

	switch c.Method {
	case MethodPassword:
		if c.Password.IsZero() {
			return fmt.Errorf("method %s requires a password", c.Method)
		}
		if c.KeyPath != "" || !c.Passphrase.IsZero() {
			return fmt.Errorf("method %s must not carry key material", c.Method)
		}
	case MethodKey:
		if c.KeyPath == "" {
			return fmt.Errorf("method %s requires a key", c.Method)
		}
		if !c.Password.IsZero() || !c.Passphrase.IsZero() {
			return fmt.Errorf("method %s must not carry a password or passphrase", c.Method)
		}
	case MethodEncryptedKey:
		if c.KeyPath == "" || c.Passphrase.IsZero() {
			return fmt.Errorf("method %s requires a key and a passphrase", c.Method)
		}
		if !c.Password.IsZero() {
			return fmt.Errorf("method %s must not carry a password", c.Method)
		}
	default:
		return fmt.Errorf("unknown method '%s'", c.Method)
	}

	return nil
}

// deriveMethod picks the method implied by which fields are populated:
// a key together with a password means the password decrypts the key.
func deriveMethod(hasPassword, hasKey bool) (Method, error) {
	switch {
	case hasKey && hasPassword:
		return MethodEncryptedKey, nil
	case hasKey:
		return MethodKey, nil
	case hasPassword:
		return MethodPassword, nil
	default:
		return "", fmt.Errorf("neither a password nor a key is configured")
	}
}
