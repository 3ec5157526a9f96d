// Package creds persists per-account credential material for the bridge.
//
// Each account has exactly one entry, keyed by its address. Entries hold the
// remote credential and the bcrypt hash of the locally generated bridge
// password. Entries are stored through the system keyring where available,
// falling back to an encrypted file backend, so credential material is
// encrypted at rest and removable as a single unit.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/99designs/keyring"
)

const serviceName = "probridge"

// ErrNotFound is returned when no entry exists for the requested address.
var ErrNotFound = errors.New("creds: no such account")

// Entry is the credential material stored for one account.
type Entry struct {
	Address        string    `json:"address"`
	RemoteUsername string    `json:"remote_username"`
	RemoteSecret   string    `json:"remote_secret"`
	BridgeHash     []byte    `json:"bridge_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists account entries in a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store backed by the system keyring, with an encrypted
// file backend in fileDir as fallback.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword()),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewWithKeyring returns a Store using the given keyring. Used by tests.
func NewWithKeyring(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Put creates or replaces the entry for the entry's address.
func (s *Store) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry for %q: %w", e.Address, err)
	}

	err = s.ring.Set(keyring.Item{
		Key:   e.Address,
		Data:  data,
		Label: serviceName + ": " + e.Address,
	})
	if err != nil {
		return fmt.Errorf("storing entry for %q: %w", e.Address, err)
	}

	return nil
}

// Get retrieves the entry for the given address.
func (s *Store) Get(address string) (Entry, error) {
	item, err := s.ring.Get(address)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return Entry{}, fmt.Errorf("reading entry for %q: %w", address, err)
	}

	var e Entry
	if err := json.Unmarshal(item.Data, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding entry for %q: %w", address, err)
	}

	return e, nil
}

// Delete removes the entry for the given address as a single unit.
func (s *Store) Delete(address string) error {
	err := s.ring.Remove(address)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return fmt.Errorf("deleting entry for %q: %w", address, err)
	}
	return nil
}

// Invalidate clears the bridge password hash for the given address while
// keeping the remote credential. Used on logout.
func (s *Store) Invalidate(address string) error {
	e, err := s.Get(address)
	if err != nil {
		return err
	}

	e.BridgeHash = nil
	return s.Put(e)
}

// List returns the addresses of all stored entries.
func (s *Store) List() ([]string, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return keys, nil
}

// filePassword returns the passphrase for the encrypted file backend.
func filePassword() string {
	if v := os.Getenv("PROBRIDGE_KEYRING_PASS"); v != "" {
		return v
	}
	return serviceName + "-file-key"
}
