// Package keyring manages the versioned encryption keys for the privacy
// store. A Ring is an immutable value: rotation and retirement return new
// rings instead of mutating shared state, so readers holding an old ring
// keep a consistent view while the store swaps in the new one.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

const masterKeySize = 32

// Ring holds the active key version and every version still allowed to
// decrypt. Retired versions are absent: their ciphertext is unrecoverable
// by construction (cryptographic erasure).
type Ring struct {
	active uint32
	keys   map[uint32][]byte
}

// Generate creates a fresh ring with a single random master key at version 1.
func Generate() (*Ring, error) {
	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	return &Ring{active: 1, keys: map[uint32][]byte{1: key}}, nil
}

// Active returns the version new records are sealed under.
func (r *Ring) Active() uint32 {
	return r.active
}

// Versions returns every version the ring can still decrypt.
func (r *Ring) Versions() []uint32 {
	vs := make([]uint32, 0, len(r.keys))
	for v := range r.keys {
		vs = append(vs, v)
	}
	return vs
}

// Has reports whether the ring still holds material for a version.
func (r *Ring) Has(version uint32) bool {
	_, ok := r.keys[version]
	return ok
}

// Rotate returns a new ring whose active key is a fresh random master at
// the next version. The previous keys are retained decrypt-only.
func (r *Ring) Rotate() (*Ring, error) {
	key, err := randomKey()
	if err != nil {
		return nil, err
	}

	next := r.clone()
	next.active = r.active + 1
	next.keys[next.active] = key
	return next, nil
}

// Retire returns a new ring without the given version's material.
// Retiring the active version is refused: new writes always need a key.
func (r *Ring) Retire(version uint32) (*Ring, error) {
	if version == r.active {
		return nil, fmt.Errorf("cannot retire active key version %d", version)
	}
	if _, ok := r.keys[version]; !ok {
		return r, nil // already gone
	}

	next := r.clone()
	delete(next.keys, version)
	return next, nil
}

// RecordKey derives the AEAD key for one record from the versioned master
// via HKDF-SHA256, binding the record ID into the derivation so a token
// cannot be replayed under another record's identity.
func (r *Ring) RecordKey(version uint32, recordID string) ([]byte, error) {
	master, ok := r.keys[version]
	if !ok {
		return nil, fmt.Errorf("key version %d not in ring (retired or unknown)", version)
	}

	h := hkdf.New(sha256.New, master, nil, []byte("record-key:"+recordID))
	out := make([]byte, masterKeySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

func (r *Ring) clone() *Ring {
	keys := make(map[uint32][]byte, len(r.keys))
	for v, k := range r.keys {
		cp := make([]byte, len(k))
		copy(cp, k)
		keys[v] = cp
	}
	return &Ring{active: r.active, keys: keys}
}

// ringFile is the on-disk representation. Key material is hex encoded;
// the file itself is the installation secret and is written 0600.
type ringFile struct {
	Active uint32            `json:"active"`
	Keys   map[string]string `json:"keys"`
}

// Load reads a ring from disk.
func Load(path string) (*Ring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	var f ringFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}

	keys := make(map[uint32][]byte, len(f.Keys))
	for vs, hexKey := range f.Keys {
		var v uint32
		if _, err := fmt.Sscanf(vs, "%d", &v); err != nil {
			return nil, fmt.Errorf("keyring version %q: %w", vs, err)
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("keyring version %d: %w", v, err)
		}
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("keyring version %d: key must be %d bytes, got %d", v, masterKeySize, len(key))
		}
		keys[v] = key
	}

	if _, ok := keys[f.Active]; !ok {
		return nil, fmt.Errorf("keyring active version %d has no material", f.Active)
	}
	return &Ring{active: f.Active, keys: keys}, nil
}

// Save writes the ring to disk with owner-only permissions.
func (r *Ring) Save(path string) error {
	f := ringFile{Active: r.active, Keys: make(map[string]string, len(r.keys))}
	for v, k := range r.keys {
		f.Keys[fmt.Sprintf("%d", v)] = hex.EncodeToString(k)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode keyring: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	return nil
}

// LoadOrGenerate loads the ring at path, creating and persisting a fresh
// one when the file does not exist yet.
func LoadOrGenerate(path string) (*Ring, error) {
	ring, err := Load(path)
	if err == nil {
		return ring, nil
	}
	if !os.IsNotExist(unwrapPathError(err)) {
		return nil, err
	}

	ring, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := ring.Save(path); err != nil {
		return nil, err
	}
	return ring, nil
}

func unwrapPathError(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

func randomKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
