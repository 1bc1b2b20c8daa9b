// Copyright (C) 2025  socksguard authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package auth

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/socksguard/socksguard/pkg/config"
)

// User is one registered proxy user. The secret is either a bcrypt
// hash or a plain text password, both compared in constant time.
type User struct {
	Name            string
	Secret          string
	Enabled         bool
	CreatedAt       time.Time
	LastLogin       time.Time
	ConnectionCount int64
}

// UserStore is the user registry, unique by name.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewUserStore builds the user registry from the auth configuration.
func NewUserStore(users []config.UserConfig) *UserStore {
	s := &UserStore{users: make(map[string]*User, len(users))}
	now := time.Now()
	for _, u := range users {
		s.users[u.Username] = &User{
			Name:      u.Username,
			Secret:    u.Password,
			Enabled:   u.Enabled,
			CreatedAt: now,
		}
	}
	return s
}

// Get returns a copy of the user with the given name.
func (s *UserStore) Get(name string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Len returns the number of registered users.
func (s *UserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Verify checks a credential against the store. The password
// comparison runs whether or not the user exists: plain text secrets
// are compared with subtle.ConstantTimeCompare and bcrypt hashes with
// bcrypt.CompareHashAndPassword, so its duration depends on the kind
// and length of the stored secret, not on how much of the password
// matches. An unknown user is compared against an empty secret. It
// returns false for disabled users, but only after the password
// comparison has run.
func (s *UserStore) Verify(name, password string) bool {
	s.mu.RLock()
	u, found := s.users[name]
	var secret string
	var enabled bool
	if found {
		secret = u.Secret
		enabled = u.Enabled
	}
	s.mu.RUnlock()

	var match bool
	if isBcryptHash(secret) {
		match = bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	} else {
		match = subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
	}
	return found && enabled && match
}

// RecordLogin updates the login bookkeeping of a user.
func (s *UserStore) RecordLogin(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[name]; ok {
		u.LastLogin = time.Now()
		u.ConnectionCount++
	}
}

func isBcryptHash(secret string) bool {
	return strings.HasPrefix(secret, "$2a$") || strings.HasPrefix(secret, "$2b$") || strings.HasPrefix(secret, "$2y$")
}
