// Package keychain wraps an OS credential store behind a narrow
// Get/Set/Remove interface, falling back to an encrypted file-backed
// store when no native backend is reachable (headless/CI environments).
package keychain

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "ensemble"

// Store is the narrow credential interface C2 depends on.
type Store interface {
	Set(handle, secret string) error
	Get(handle string) (string, error)
	Remove(handle string) error
}

type ringStore struct {
	ring keyring.Keyring
}

// Open opens the best available keyring backend for this platform, with a
// file-backed fallback rooted at fallbackDir so tests and headless hosts
// never fail outright.
func Open(fallbackDir string) (Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              serviceName,
		FileDir:                  fallbackDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("ensemble"),
		KeychainTrustApplication: true,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.FileBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return &ringStore{ring: ring}, nil
}

// Handle builds the keychain handle name for a profile alias, per spec
// 4.C2's "<app>-<alias>" convention.
func Handle(alias string) string {
	return serviceName + "-" + alias
}

func (s *ringStore) Set(handle, secret string) error {
	return s.ring.Set(keyring.Item{
		Key:  handle,
		Data: []byte(secret),
	})
}

func (s *ringStore) Get(handle string) (string, error) {
	item, err := s.ring.Get(handle)
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

func (s *ringStore) Remove(handle string) error {
	return s.ring.Remove(handle)
}

// ErrNotFound is returned by Get when no credential is stored under handle.
var ErrNotFound = keyring.ErrKeyNotFound
