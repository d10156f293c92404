// Package sessionclient keeps a client's session token and profile together and drives
// the sync and password finalization calls against the auth service.
package sessionclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Persisted keys. Both are written and cleared together.
const (
	KeyToken   = "session.token"
	KeyProfile = "session.profile"
)

var (
	// ErrNoSession indicates nothing is stored.
	ErrNoSession = errors.New("session_client.no_session")
	// ErrInvalidSession indicates the stored pair failed validation and was discarded.
	ErrInvalidSession = errors.New("session_client.invalid_session")
)

// Profile mirrors the public profile returned by the auth service.
type Profile struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email"`
	AvatarURL        string `json:"avatar_url"`
	ExternalUsername string `json:"external_username"`
	Role             string `json:"role"`
	HasPassword      bool   `json:"has_password"`
}

// Record is the persisted token and profile pair.
type Record struct {
	Token     string
	Profile   Profile
	ExpiresAt time.Time
}

// Session is a loaded, structurally valid Record.
type Session struct {
	Token   string
	Profile Profile
}

// Backend persists one Record atomically.
type Backend interface {
	// Read returns false when nothing is stored.
	Read(ctx context.Context) (Record, bool, error)
	Write(ctx context.Context, record Record) error
	Delete(ctx context.Context) error
}

// Event announces a session change. Profile is nil when the session was cleared.
type Event struct {
	Profile *Profile
	At      time.Time
}

// Store validates and persists sessions and broadcasts every change.
type Store struct {
	backend     Backend
	now         func() time.Time
	mutex       sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

// NewStore wraps a backend.
func NewStore(backend Backend) *Store {
	return &Store{
		backend:     backend,
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[int]chan Event),
	}
}

// Save writes the token and profile as one unit, then notifies subscribers.
func (store *Store) Save(ctx context.Context, token string, profile Profile) error {
	if err := validate(token, profile); err != nil {
		return fmt.Errorf("session_client.save: %w", err)
	}
	record := Record{Token: token, Profile: profile}
	if hint, err := HintClaims(token); err == nil {
		record.ExpiresAt = hint.ExpiresAt
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.backend.Write(ctx, record); err != nil {
		return fmt.Errorf("session_client.save: %w", err)
	}
	saved := profile
	store.broadcastLocked(&saved)
	return nil
}

// Load returns the stored session. A pair failing validation is discarded and
// ErrInvalidSession is returned; the caller must authenticate again.
func (store *Store) Load(ctx context.Context) (Session, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, found, err := store.backend.Read(ctx)
	if err != nil && !errors.Is(err, ErrInvalidSession) {
		return Session{}, fmt.Errorf("session_client.load: %w", err)
	}
	if err == nil && !found {
		return Session{}, ErrNoSession
	}
	if err == nil {
		err = validate(record.Token, record.Profile)
	}
	if err != nil {
		if deleteErr := store.backend.Delete(ctx); deleteErr != nil {
			return Session{}, fmt.Errorf("session_client.load: %w", deleteErr)
		}
		store.broadcastLocked(nil)
		return Session{}, fmt.Errorf("session_client.load: %w", ErrInvalidSession)
	}
	return Session{Token: record.Token, Profile: record.Profile}, nil
}

// Clear removes both keys and notifies subscribers with an absent profile.
func (store *Store) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.backend.Delete(ctx); err != nil {
		return fmt.Errorf("session_client.clear: %w", err)
	}
	store.broadcastLocked(nil)
	return nil
}

// Subscribe registers an observer. Each observer holds at most one pending event;
// a newer event replaces an unread one. The returned func unsubscribes.
func (store *Store) Subscribe() (<-chan Event, func()) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	identifier := store.nextID
	store.nextID++
	channel := make(chan Event, 1)
	store.subscribers[identifier] = channel
	var once sync.Once
	return channel, func() {
		once.Do(func() {
			store.mutex.Lock()
			defer store.mutex.Unlock()
			delete(store.subscribers, identifier)
			close(channel)
		})
	}
}

func (store *Store) broadcastLocked(profile *Profile) {
	event := Event{Profile: profile, At: store.now()}
	for _, channel := range store.subscribers {
		select {
		case channel <- event:
			continue
		default:
		}
		select {
		case <-channel:
		default:
		}
		select {
		case channel <- event:
		default:
		}
	}
}

func validate(token string, profile Profile) error {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return fmt.Errorf("%w: token is not a compact JWS", ErrInvalidSession)
	}
	for _, segment := range segments {
		if segment == "" {
			return fmt.Errorf("%w: token has an empty segment", ErrInvalidSession)
		}
	}
	if strings.TrimSpace(profile.ID) == "" || strings.TrimSpace(profile.Role) == "" {
		return fmt.Errorf("%w: profile missing id or role", ErrInvalidSession)
	}
	if strings.TrimSpace(profile.Email) == "" && strings.TrimSpace(profile.ExternalUsername) == "" {
		return fmt.Errorf("%w: profile missing email and username", ErrInvalidSession)
	}
	return nil
}
