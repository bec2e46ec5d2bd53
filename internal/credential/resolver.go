package credential

import (
	"errors"
	"fmt"
	"os"

	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

// Resolver turns credential references into resolved credentials. It holds
// no mutable state and is safe for concurrent use.
type Resolver struct {
	defs    map[string]*inventory.Credential
	secrets *secretStore
	statKey func(string) (os.FileInfo, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupEnv replaces the environment lookup used by env: references.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Resolver) {
		r.secrets.lookupEnv = fn
	}
}

// WithAgeIdentity sets the age identity file used to decrypt age: references.
func WithAgeIdentity(path string) Option {
	return func(r *Resolver) {
		r.secrets.ageIdentity = path
	}
}

// NewResolver creates a resolver over the configured credential definitions.
func NewResolver(defs map[string]*inventory.Credential, opts ...Option) *Resolver {
	r := &Resolver{
		defs: defs,
		secrets: &secretStore{
			lookupEnv: os.LookupEnv,
			readFile:  os.ReadFile,
		},
		statKey: os.Stat,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve returns the credential named by ref.
func (r *Resolver) Resolve(ref string) (*Credential, error) {
	return r.ResolveFor(ref, "")
}

// ResolveFor resolves ref on behalf of owner (e.g. "device 'd1'"), which
// is named in any error instead of the secret.
func (r *Resolver) ResolveFor(ref, owner string) (*Credential, error) {
	fail := func(err error, format string, args ...any) error {
		return &scrapeerr.CredentialError{
			Credential: ref,
			Owner:      owner,
			Detail:     fmt.Sprintf(format, args...),
			Err:        err,
		}
	}

	if ref == "" {
		return nil, fail(nil, "no credential configured")
	}

	def, ok := r.defs[ref]
	if !ok || def == nil {
		return nil, fail(nil, "credential is not defined")
	}

	derived, err := deriveMethod(def.Password != "", def.Key != "")
	if err != nil {
		return nil, fail(nil, "%s", err)
	}

	method := derived
	if def.Method != "" {
		method = Method(def.Method)
		if method != derived {
			return nil, fail(nil, "method '%s' does not match the configured fields (they imply '%s')", method, derived)
		}
	}

	cred := &Credential{
		Name:     ref,
		Username: def.Username,
		Method:   method,
	}

	if def.Password != "" {
		secret, err := r.secrets.resolve(def.Password)
		if err != nil {
			return nil, fail(err, "secret retrieval failed")
		}
		if method == MethodEncryptedKey {
			cred.Passphrase = secret
		} else {
			cred.Password = secret
		}
	}

	if def.Key != "" {
		if _, err := r.statKey(def.Key); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fail(nil, "private key file does not exist")
			}
			return nil, fail(err, "private key file is not accessible")
		}
		cred.KeyPath = def.Key
	}

	if err := cred.Validate(); err != nil {
		return nil, fail(nil, "%s", err)
	}

	return cred, nil
}
