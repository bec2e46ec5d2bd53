package credential

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Secret reference prefixes. Values without a known prefix are literals.
const (
	prefixEnv  = "env:"
	prefixFile = "file:"
	prefixAge  = "age:"
)

type secretStore struct {
	lookupEnv   func(string) (string, bool)
	readFile    func(string) ([]byte, error)
	ageIdentity string
}

// resolve returns the secret a configured value refers to. Errors name the
// reference kind and location, never a secret value.
func (s *secretStore) resolve(ref string) (Secret, error) {
	switch {
	case strings.HasPrefix(ref, prefixEnv):
		name := strings.TrimPrefix(ref, prefixEnv)
		value, ok := s.lookupEnv(name)
		if !ok || value == "" {
			return Secret{}, fmt.Errorf("environment variable %s is not set", name)
		}
		return NewSecret(value), nil

	case strings.HasPrefix(ref, prefixFile):
		path := strings.TrimPrefix(ref, prefixFile)
		data, err := s.readFile(path)
		if err != nil {
			return Secret{}, fmt.Errorf("reading secret file %s: %w", path, err)
		}
		return NewSecret(strings.TrimRight(string(data), "\r\n")), nil

	case strings.HasPrefix(ref, prefixAge):
		return s.decryptAge(strings.TrimPrefix(ref, prefixAge))

	default:
		return NewSecret(ref), nil
	}
}

// decryptAge decrypts an age-encrypted secret file, armored or binary.
func (s *secretStore) decryptAge(path string) (Secret, error) {
	if s.ageIdentity == "" {
		return Secret{}, fmt.Errorf("no age identity configured for %s", path)
	}

	identityData, err := s.readFile(s.ageIdentity)
	if err != nil {
		return Secret{}, fmt.Errorf("reading age identity: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(identityData))
	if err != nil {
		return Secret{}, fmt.Errorf("parsing age identity: %w", err)
	}

	ciphertext, err := s.readFile(path)
	if err != nil {
		return Secret{}, fmt.Errorf("reading encrypted secret %s: %w", path, err)
	}

	var src io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(armor.Header)) {
		src = armor.NewReader(bytes.NewReader(ciphertext))
	}

	reader, err := age.Decrypt(src, identities...)
	if err != nil {
		return Secret{}, fmt.Errorf("decrypting %s: %w", path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return Secret{}, fmt.Errorf("reading decrypted %s: %w", path, err)
	}

	return NewSecret(strings.TrimRight(string(plaintext), "\r\n")), nil
}
