package auth

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCredentials is returned for an unknown username or a password
// mismatch. The two cases are deliberately indistinguishable.
var ErrInvalidCredentials = errors.New("invalid username or password")

type userRecord struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"` // bcrypt
	Roles        []string `yaml:"roles"`
}

type userFile struct {
	Users []userRecord `yaml:"users"`
}

// UserStore verifies credentials against a YAML users file and yields User
// identities.
type UserStore struct {
	mu     sync.RWMutex
	path   string
	users  map[string]userRecord
	logger *slog.Logger
}

// OpenUserStore loads the users file at path.
func OpenUserStore(path string, logger *slog.Logger) (*UserStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &UserStore{
		path:   path,
		users:  make(map[string]userRecord),
		logger: logger.With("component", "UserStore"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *UserStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not read users file %s: %w", s.path, err)
	}
	var f userFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("could not parse users file %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range f.Users {
		s.users[u.Username] = u
	}
	return nil
}

// Verify checks username/password and returns the matching identity.
func (s *UserStore) Verify(username, password string) (*User, error) {
	s.mu.RLock()
	record, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("Authentication failed: unknown username.", "username", username)
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn("Authentication failed: password mismatch.", "username", username)
		return nil, ErrInvalidCredentials
	}
	return &User{Username: record.Username, Roles: append([]string(nil), record.Roles...)}, nil
}

// Lookup returns the identity for username without verifying a password.
// Used by tooling and tests, never by an authentication path.
func (s *UserStore) Lookup(username string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.users[username]
	if !ok {
		return nil, false
	}
	return &User{Username: record.Username, Roles: append([]string(nil), record.Roles...)}, true
}

// Users returns all identities, sorted by username.
func (s *UserStore) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.users))
	for _, record := range s.users {
		users = append(users, User{Username: record.Username, Roles: append([]string(nil), record.Roles...)})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// AddUser hashes password with bcrypt, adds (or replaces) the user and
// rewrites the file.
func (s *UserStore) AddUser(username, password string, roles []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("could not hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = userRecord{Username: username, PasswordHash: string(hash), Roles: roles}
	return s.saveLocked()
}

// saveLocked writes the users file. Must be called with s.mu held.
func (s *UserStore) saveLocked() error {
	f := userFile{Users: make([]userRecord, 0, len(s.users))}
	for _, u := range s.users {
		f.Users = append(f.Users, u)
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("could not serialize users file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("could not write users file %s: %w", s.path, err)
	}
	return nil
}
