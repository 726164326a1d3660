// Package accounts backs relay authentication with a credential store.
package accounts

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Verification failures map 1:1 to the error strings the relay puts on the
// wire; clients display them verbatim.
var (
	ErrMissingCredentials = errors.New("No username or password was in the request!")
	ErrUnknownAccount     = errors.New("Username does not exist!")
	ErrWrongPassword      = errors.New("Wrong password!")
)

// Store verifies account credentials. Verify returns nil on success or one of
// the sentinel errors above.
type Store interface {
	Verify(username, password string) error
}

// StaticStore holds accounts in memory, keyed by username, with passwords
// stored as lowercase hex MD5 digests. MD5 is not a password hash; it is kept
// for compatibility with the existing account database.
type StaticStore struct {
	digests map[string]string
}

// NewStaticStore builds a store from username -> md5-hex-digest pairs.
func NewStaticStore(digests map[string]string) *StaticStore {
	m := make(map[string]string, len(digests))
	for user, digest := range digests {
		m[user] = strings.ToLower(digest)
	}
	return &StaticStore{digests: m}
}

// NewStaticStoreFromPlaintext hashes the given plaintext passwords. Intended
// for tests and local development.
func NewStaticStoreFromPlaintext(passwords map[string]string) *StaticStore {
	m := make(map[string]string, len(passwords))
	for user, pw := range passwords {
		m[user] = HashPassword(pw)
	}
	return &StaticStore{digests: m}
}

// LoadFile reads a JSON accounts file of the form
// {"accounts":{"<username>":"<md5-hex-digest>", ...}}.
func LoadFile(path string) (*StaticStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var file struct {
		Accounts map[string]string `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	if len(file.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s contains no accounts", path)
	}
	return NewStaticStore(file.Accounts), nil
}

func (s *StaticStore) Verify(username, password string) error {
	if username == "" || password == "" {
		return ErrMissingCredentials
	}
	want, ok := s.digests[username]
	if !ok {
		return ErrUnknownAccount
	}
	got := HashPassword(password)
	// Both sides are fixed-length hex digests, so the comparison length leaks
	// nothing about the stored password.
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrWrongPassword
	}
	return nil
}

// HashPassword returns the lowercase hex MD5 digest of pw.
func HashPassword(pw string) string {
	sum := md5.Sum([]byte(pw))
	return hex.EncodeToString(sum[:])
}
