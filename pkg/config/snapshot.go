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

package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/socksguard/socksguard/pkg/event"
	"github.com/socksguard/socksguard/pkg/log"
)

// Store publishes immutable configuration snapshots. Readers capture
// the snapshot pointer at the start of their operation and keep it
// until they finish.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore creates a Store with an initial snapshot.
func NewStore(c *Config) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

// Snapshot returns the current configuration snapshot.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Publish atomically replaces the configuration snapshot.
func (s *Store) Publish(c *Config) {
	s.current.Store(c)
}

// Watcher polls a configuration file and publishes a new snapshot when
// its content changes and passes validation. A failed reload keeps the
// previous snapshot.
type Watcher struct {
	path     string
	interval time.Duration
	store    *Store
	validate func(*Config) error
	onReload func(*Config)
	lastHash [sha256.Size]byte
	done     chan struct{}
}

// NewWatcher creates a configuration file watcher. validate may be nil.
// onReload is invoked after a new snapshot is published; it may be nil.
func NewWatcher(path string, interval time.Duration, store *Store, validate func(*Config) error, onReload func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		store:    store,
		validate: validate,
		onReload: onReload,
		done:     make(chan struct{}),
	}
}

// Start begins watching in a new goroutine.
func (w *Watcher) Start() {
	if b, err := os.ReadFile(w.path); err == nil {
		w.lastHash = sha256.Sum256(b)
	}
	go w.watchLoop()
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) watchLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.maybeReload(); err != nil {
				log.Errorf("config reload failed, keeping previous snapshot: %v", err)
			}
		case <-w.done:
			return
		}
	}
}

// Reload forces a reload regardless of whether the file changed,
// for example to serve a config-reload request.
func (w *Watcher) Reload() error {
	b, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config file %q failed: %w", w.path, err)
	}
	w.lastHash = sha256.Sum256(b)
	return w.publish(b)
}

func (w *Watcher) maybeReload() error {
	b, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config file %q failed: %w", w.path, err)
	}
	hash := sha256.Sum256(b)
	if hash == w.lastHash {
		return nil
	}
	w.lastHash = hash
	return w.publish(b)
}

func (w *Watcher) publish(b []byte) error {
	c, err := Parse(b)
	if err != nil {
		return err
	}
	if w.validate != nil {
		if err := w.validate(c); err != nil {
			return err
		}
	}
	w.store.Publish(c)
	log.Infof("configuration reloaded from %s", w.path)
	event.Publish(event.Event{Kind: event.KindConfigReload, Reason: w.path})
	if w.onReload != nil {
		w.onReload(c)
	}
	return nil
}
