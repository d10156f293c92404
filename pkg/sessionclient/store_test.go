package sessionclient

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tyemirov/communityauth/pkg/sessionvalidator"
)

func mintToken(t *testing.T, stage string, expiresAt time.Time) string {
	t.Helper()
	claims := sessionvalidator.Claims{
		Role:  "user",
		Stage: stage,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "01HZX000000000000000000000",
			Issuer:    "communityauth",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("client-test-key"))
	require.NoError(t, err)
	return token
}

func sampleProfile() Profile {
	return Profile{
		ID:               "01HZX000000000000000000000",
		Name:             "Ada",
		Email:            "ada@example.com",
		ExternalUsername: "ada",
		Role:             "user",
	}
}

func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()
	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   NewFileBackend(filepath.Join(t.TempDir(), "session.json")),
	}
	if redisURL := os.Getenv("TEST_REDIS_URL"); redisURL != "" {
		options, err := redis.ParseURL(redisURL)
		require.NoError(t, err)
		client := redis.NewClient(options)
		t.Cleanup(func() { _ = client.Close() })
		backends["redis"] = NewRedisBackend(client, "communityauth-test:"+t.Name())
	}
	return backends
}

func TestStorePersistsPairOnEveryBackend(t *testing.T) {
	token := mintToken(t, sessionvalidator.StageNeedsPassword, time.Now().Add(time.Hour))
	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := NewStore(backend)

			_, err := store.Load(ctx)
			require.ErrorIs(t, err, ErrNoSession)

			require.NoError(t, store.Save(ctx, token, sampleProfile()))
			session, err := store.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, token, session.Token)
			require.Equal(t, sampleProfile(), session.Profile)

			require.NoError(t, store.Clear(ctx))
			_, err = store.Load(ctx)
			require.ErrorIs(t, err, ErrNoSession)
		})
	}
}

func TestStoreRejectsInvalidPairsOnSave(t *testing.T) {
	token := mintToken(t, sessionvalidator.StageComplete, time.Now().Add(time.Hour))
	store := NewStore(NewMemoryBackend())
	testCases := []struct {
		name    string
		token   string
		profile func(Profile) Profile
	}{
		{name: "two segments", token: "a.b", profile: func(p Profile) Profile { return p }},
		{name: "empty segment", token: "a..c", profile: func(p Profile) Profile { return p }},
		{name: "missing id", token: token, profile: func(p Profile) Profile { p.ID = ""; return p }},
		{name: "missing role", token: token, profile: func(p Profile) Profile { p.Role = ""; return p }},
		{name: "missing email and username", token: token, profile: func(p Profile) Profile {
			p.Email = ""
			p.ExternalUsername = ""
			return p
		}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := store.Save(context.Background(), testCase.token, testCase.profile(sampleProfile()))
			require.ErrorIs(t, err, ErrInvalidSession)
		})
	}
	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

func TestStoreDiscardsCorruptFileDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"session.token":"a.b.c"}`), 0o600))
	store := NewStore(NewFileBackend(path))
	events, unsubscribe := store.Subscribe()
	defer unsubscribe()

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, ErrInvalidSession)
	_, statErr := os.Stat(path)
	require.True(t, errors.Is(statErr, os.ErrNotExist))

	event := <-events
	require.Nil(t, event.Profile)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

func TestStoreDiscardsStructurallyInvalidRecord(t *testing.T) {
	backend := NewMemoryBackend()
	require.NoError(t, backend.Write(context.Background(), Record{Token: "not-a-token", Profile: sampleProfile()}))
	store := NewStore(backend)

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, ErrInvalidSession)
	_, found, readErr := backend.Read(context.Background())
	require.NoError(t, readErr)
	require.False(t, found)
}

func TestFileBackendLeavesNoTempFiles(t *testing.T) {
	directory := t.TempDir()
	store := NewStore(NewFileBackend(filepath.Join(directory, "session.json")))
	token := mintToken(t, sessionvalidator.StageComplete, time.Now().Add(time.Hour))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(context.Background(), token, sampleProfile()))
	}
	entries, err := os.ReadDir(directory)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "session.json", entries[0].Name())
}

func TestSubscribersReceiveSaveAndClear(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	first, unsubscribeFirst := store.Subscribe()
	defer unsubscribeFirst()
	second, unsubscribeSecond := store.Subscribe()
	defer unsubscribeSecond()

	token := mintToken(t, sessionvalidator.StageComplete, time.Now().Add(time.Hour))
	require.NoError(t, store.Save(context.Background(), token, sampleProfile()))
	for _, channel := range []<-chan Event{first, second} {
		event := <-channel
		require.NotNil(t, event.Profile)
		require.Equal(t, "ada@example.com", event.Profile.Email)
		require.False(t, event.At.IsZero())
	}

	require.NoError(t, store.Clear(context.Background()))
	for _, channel := range []<-chan Event{first, second} {
		event := <-channel
		require.Nil(t, event.Profile)
	}
}

func TestSlowSubscriberKeepsLatestEvent(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	events, unsubscribe := store.Subscribe()
	defer unsubscribe()

	token := mintToken(t, sessionvalidator.StageComplete, time.Now().Add(time.Hour))
	renamed := sampleProfile()
	renamed.Name = "Ada Lovelace"
	require.NoError(t, store.Save(context.Background(), token, sampleProfile()))
	require.NoError(t, store.Save(context.Background(), token, renamed))

	event := <-events
	require.Equal(t, "Ada Lovelace", event.Profile.Name)
	select {
	case extra := <-events:
		t.Fatalf("unexpected queued event %+v", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	events, unsubscribe := store.Subscribe()
	unsubscribe()
	unsubscribe()
	_, open := <-events
	require.False(t, open)
	require.NoError(t, store.Clear(context.Background()))
}

func TestHintClaimsDecodesWithoutVerification(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	token := mintToken(t, sessionvalidator.StageNeedsPassword, expiresAt)

	hint, err := HintClaims(token)
	require.NoError(t, err)
	require.Equal(t, "01HZX000000000000000000000", hint.Subject)
	require.Equal(t, "user", hint.Role)
	require.True(t, hint.NeedsPassword())
	require.True(t, hint.ExpiresAt.Equal(expiresAt))

	_, err = HintClaims("garbage")
	require.Error(t, err)
}
