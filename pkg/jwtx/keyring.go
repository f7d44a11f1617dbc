package jwtx

import (
	"errors"
	"strings"

	"github.com/copperline/gatehouse/pkg/cryptox"
)

// ErrNoKeys means no usable signing material was provided. This is a startup
// configuration error: the process must refuse to run rather than fall back
// to some baked-in secret.
var ErrNoKeys = errors.New("jwtx: no signing keys configured")

// Key is a single HMAC signing secret with its derived key ID. The KID is a
// fingerprint of the secret, so every process that loads the same secret
// derives the same KID without coordination.
type Key struct {
	KID    string
	secret []byte
}

// Secret exposes the raw key material to the codec. Not for logging.
func (k Key) Secret() []byte { return k.secret }

// Keyring is an ordered list of currently-valid keys. The first key signs;
// all keys verify. Rotation is adding the new secret at the front and keeping
// the old one listed until everything it signed has expired. The ring is
// immutable after construction and safe for concurrent use.
type Keyring struct {
	keys  []Key
	byKID map[string][]byte
}

// NewKeyring builds a keyring from ordered secrets, newest first.
// It fails with ErrNoKeys when no non-empty secret is supplied.
func NewKeyring(secrets ...string) (*Keyring, error) {
	kr := &Keyring{byKID: make(map[string][]byte, len(secrets))}

	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := Key{
			KID:    cryptox.FingerprintToken(s)[:12],
			secret: []byte(s),
		}
		if _, dup := kr.byKID[key.KID]; dup {
			continue
		}
		kr.keys = append(kr.keys, key)
		kr.byKID[key.KID] = key.secret
	}

	if len(kr.keys) == 0 {
		return nil, ErrNoKeys
	}
	return kr, nil
}

// Signing returns the key used for new signatures (the newest).
func (kr *Keyring) Signing() Key {
	return kr.keys[0]
}

// Lookup resolves a KID to its secret for verification.
func (kr *Keyring) Lookup(kid string) ([]byte, bool) {
	secret, ok := kr.byKID[kid]
	return secret, ok
}

// Len reports how many keys currently verify.
func (kr *Keyring) Len() int { return len(kr.keys) }
