// Package token holds the process-local access credential.
//
// The store is the single source of truth for the current credential.
// Managers read it fresh on every use rather than caching a copy, so a
// credential written by the refresh coordinator is immediately visible
// to the HTTP client and the socket layer. Nothing is persisted; the
// store is cleared on logout or session lock.
package token

import "sync"

// Store is a concurrency-safe holder for the current access credential.
type Store struct {
	mu         sync.RWMutex
	credential string
}

// NewStore creates an empty token store.
func NewStore() *Store {
	return &Store{}
}

// Get returns the current credential, or the empty string when logged out.
func (s *Store) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// Set replaces the current credential.
func (s *Store) Set(credential string) {
	s.mu.Lock()
	s.credential = credential
	s.mu.Unlock()
}

// Clear removes the credential. Called on logout and on terminal auth
// failure.
func (s *Store) Clear() {
	s.Set("")
}

// Present reports whether a credential is currently held.
func (s *Store) Present() bool {
	return s.Get() != ""
}
