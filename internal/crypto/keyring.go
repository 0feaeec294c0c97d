package crypto

import (
	"sync"

	dErrors "priorauth/pkg/domain-errors"
)

// KeySize is the required size of a keyring entry in bytes.
const KeySize = 32

// Keyring holds the symmetric keys used for PHI field encryption, indexed
// by version. It is an explicit value passed to the codec at construction,
// not a package singleton, so tests supply an isolated keyring per run.
//
// Lifecycle: loaded once at startup, extended by Rotate. Old versions are
// retained read-only for decrypting historical ciphertext and are never
// used for new encryption once rotated out.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[int][]byte
	active int
}

// LoadKeyring builds a keyring from key material. The active version is
// used for all new encryption.
func LoadKeyring(keys map[int][]byte, active int) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "keyring requires at least one key")
	}
	kr := &Keyring{keys: make(map[int][]byte, len(keys))}
	for version, key := range keys {
		if version <= 0 {
			return nil, dErrors.New(dErrors.CodeInvalidInput, "key versions must be positive")
		}
		if len(key) != KeySize {
			return nil, dErrors.Newf(dErrors.CodeInvalidInput, "key version %d must be %d bytes", version, KeySize)
		}
		kr.keys[version] = append([]byte(nil), key...)
	}
	if _, ok := kr.keys[active]; !ok {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "active key version %d not present", active)
	}
	kr.active = active
	return kr, nil
}

// Rotate appends a new key version and makes it active. The version must be
// greater than every existing version; earlier keys stay decryptable.
func (k *Keyring) Rotate(version int, key []byte) error {
	if len(key) != KeySize {
		return dErrors.Newf(dErrors.CodeInvalidInput, "key must be %d bytes", KeySize)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for existing := range k.keys {
		if version <= existing {
			return dErrors.Newf(dErrors.CodeInvalidInput, "rotation version %d must exceed existing version %d", version, existing)
		}
	}
	k.keys[version] = append([]byte(nil), key...)
	k.active = version
	return nil
}

// ActiveVersion returns the version used for new encryption.
func (k *Keyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// key returns the key material for a version.
func (k *Keyring) key(version int) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[version]
	return key, ok
}
