// Package gateway exposes the HTTP device channel: pairing, per-device
// scopes and tokens, idempotent message submission, and event polling.
package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Scope names a capability a paired device is allowed to exercise.
type Scope string

const (
	// ScopeMessage allows submitting messages to the agentic loop.
	ScopeMessage Scope = "message"
	// ScopeEvents allows polling/acking the device's event queue.
	ScopeEvents Scope = "events"
	// ScopeAdmin allows approving other devices' pairing requests.
	ScopeAdmin Scope = "admin"
)

// Device is a paired client identified by a bearer token sent as
// X-Device-Token on every request.
type Device struct {
	ID        string
	Name      string
	Token     string
	Scopes    []Scope
	SessionID string
	CreatedAt time.Time
	LastSeen  time.Time
}

// HasScope reports whether the device was granted scope.
func (d *Device) HasScope(scope Scope) bool {
	if d == nil {
		return false
	}
	for _, s := range d.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// generateToken returns a 32-byte random token hex-encoded, matching the
// teacher pairing store's unambiguous-but-opaque token convention.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DeviceStore holds paired devices in memory, keyed by token for O(1)
// lookup on every authenticated request.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*Device // token -> device
}

// NewDeviceStore creates an empty device store.
func NewDeviceStore() *DeviceStore {
	return &DeviceStore{devices: make(map[string]*Device)}
}

// Register creates a new device with the given scopes and a fresh token.
func (s *DeviceStore) Register(name string, scopes []Scope) (*Device, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	id, err := generateToken()
	if err != nil {
		return nil, err
	}
	dev := &Device{
		ID:        id[:16],
		Name:      name,
		Token:     token,
		Scopes:    scopes,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[token] = dev
	return dev, nil
}

// Lookup finds the device owning token using a constant-time comparison
// against each candidate, so an attacker can't time a token guess against
// the map's lookup path.
func (s *DeviceStore) Lookup(token string) (*Device, bool) {
	if token == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for candidate, dev := range s.devices {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return dev, true
		}
	}
	return nil, false
}

// Touch records that token was just used.
func (s *DeviceStore) Touch(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev, ok := s.devices[token]; ok {
		dev.LastSeen = time.Now()
	}
}

// Revoke removes a device, invalidating its token immediately.
func (s *DeviceStore) Revoke(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, dev := range s.devices {
		if dev.ID == deviceID {
			delete(s.devices, token)
			return
		}
	}
}

// List returns a snapshot of all registered devices.
func (s *DeviceStore) List() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Device, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, dev)
	}
	return out
}
