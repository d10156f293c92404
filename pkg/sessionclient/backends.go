package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryBackend keeps the record in process memory.
type MemoryBackend struct {
	mutex  sync.Mutex
	record *Record
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (backend *MemoryBackend) Read(_ context.Context) (Record, bool, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	if backend.record == nil {
		return Record{}, false, nil
	}
	return *backend.record, true, nil
}

func (backend *MemoryBackend) Write(_ context.Context, record Record) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	stored := record
	backend.record = &stored
	return nil
}

func (backend *MemoryBackend) Delete(_ context.Context) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.record = nil
	return nil
}

// FileBackend stores both keys in one JSON document. Writes go through a temp file and
// a rename so readers see either the old pair or the new one.
type FileBackend struct {
	path string
}

// NewFileBackend stores the session at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

type fileDocument struct {
	Token   *string  `json:"session.token"`
	Profile *Profile `json:"session.profile"`
}

func (backend *FileBackend) Read(_ context.Context) (Record, bool, error) {
	payload, err := os.ReadFile(backend.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("session_client.file.read: %w", err)
	}
	var document fileDocument
	if err := json.Unmarshal(payload, &document); err != nil {
		return Record{}, true, fmt.Errorf("session_client.file.decode: %w: %v", ErrInvalidSession, err)
	}
	if document.Token == nil || document.Profile == nil {
		return Record{}, true, fmt.Errorf("session_client.file.decode: %w: partial document", ErrInvalidSession)
	}
	return Record{Token: *document.Token, Profile: *document.Profile}, true, nil
}

func (backend *FileBackend) Write(_ context.Context, record Record) error {
	document := fileDocument{Token: &record.Token, Profile: &record.Profile}
	payload, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("session_client.file.encode: %w", err)
	}
	directory := filepath.Dir(backend.path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("session_client.file.write: %w", err)
	}
	temporary, err := os.CreateTemp(directory, ".session-*.json")
	if err != nil {
		return fmt.Errorf("session_client.file.write: %w", err)
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)
	if _, err := temporary.Write(payload); err != nil {
		temporary.Close()
		return fmt.Errorf("session_client.file.write: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("session_client.file.write: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("session_client.file.write: %w", err)
	}
	if err := os.Rename(temporaryPath, backend.path); err != nil {
		return fmt.Errorf("session_client.file.rename: %w", err)
	}
	return nil
}

func (backend *FileBackend) Delete(_ context.Context) error {
	if err := os.Remove(backend.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session_client.file.delete: %w", err)
	}
	return nil
}

// RedisBackend stores both keys under a namespace, written in one MULTI/EXEC.
type RedisBackend struct {
	client     redis.UniversalClient
	tokenKey   string
	profileKey string
	now        func() time.Time
}

// NewRedisBackend stores the session under namespace + ":" + key.
func NewRedisBackend(client redis.UniversalClient, namespace string) *RedisBackend {
	prefix := ""
	if namespace != "" {
		prefix = namespace + ":"
	}
	return &RedisBackend{
		client:     client,
		tokenKey:   prefix + KeyToken,
		profileKey: prefix + KeyProfile,
		now:        time.Now,
	}
}

func (backend *RedisBackend) Read(ctx context.Context) (Record, bool, error) {
	values, err := backend.client.MGet(ctx, backend.tokenKey, backend.profileKey).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("session_client.redis.read: %w", err)
	}
	if values[0] == nil && values[1] == nil {
		return Record{}, false, nil
	}
	token, tokenOK := values[0].(string)
	encodedProfile, profileOK := values[1].(string)
	if !tokenOK || !profileOK {
		return Record{}, true, fmt.Errorf("session_client.redis.read: %w: partial pair", ErrInvalidSession)
	}
	var profile Profile
	if err := json.Unmarshal([]byte(encodedProfile), &profile); err != nil {
		return Record{}, true, fmt.Errorf("session_client.redis.decode: %w: %v", ErrInvalidSession, err)
	}
	return Record{Token: token, Profile: profile}, true, nil
}

func (backend *RedisBackend) Write(ctx context.Context, record Record) error {
	encodedProfile, err := json.Marshal(record.Profile)
	if err != nil {
		return fmt.Errorf("session_client.redis.encode: %w", err)
	}
	var expiration time.Duration
	if !record.ExpiresAt.IsZero() {
		expiration = record.ExpiresAt.Sub(backend.now())
		if expiration <= 0 {
			return fmt.Errorf("session_client.redis.write: %w: token already expired", ErrInvalidSession)
		}
	}
	_, err = backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, backend.tokenKey, record.Token, expiration)
		pipe.Set(ctx, backend.profileKey, encodedProfile, expiration)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session_client.redis.write: %w", err)
	}
	return nil
}

func (backend *RedisBackend) Delete(ctx context.Context) error {
	if err := backend.client.Del(ctx, backend.tokenKey, backend.profileKey).Err(); err != nil {
		return fmt.Errorf("session_client.redis.delete: %w", err)
	}
	return nil
}
