// Package credential keeps the IMAP app secret in the OS keyring.
package credential

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

// ServiceName is the keyring service the secret is stored under.
const ServiceName = "statement-extractor"

// ErrNotFound is returned when no secret is stored for an account.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes IMAP app secrets keyed by account address.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store on the first available OS backend, falling back to
// an encrypted file under fileDir.
func Open(fileDir string) (*Store, error) {
	return OpenWith(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("statement-extractor-file-key"),
		KeychainTrustApplication: true,
	})
}

// OpenWith returns a Store for an explicit keyring configuration.
func OpenWith(cfg keyring.Config) (*Store, error) {
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// Get retrieves the secret for account.
func (s *Store) Get(account string) (string, error) {
	item, err := s.ring.Get(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", account, err)
	}

	return string(item.Data), nil
}

// Set stores the secret for account.
func (s *Store) Set(account, secret string) error {
	err := s.ring.Set(keyring.Item{
		Key:         account,
		Data:        []byte(secret),
		Label:       "IMAP app password for " + account,
		Description: "statement-extractor",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account, err)
	}

	return nil
}

// Delete removes the secret for account. Deleting a missing secret is not
// an error.
func (s *Store) Delete(account string) error {
	err := s.ring.Remove(account)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting credential %q: %w", account, err)
	}

	return nil
}
