package accounts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tyemirov/communityauth/internal/identity"
)

type countingRecorder struct {
	mutex  sync.Mutex
	counts map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{counts: make(map[string]int)}
}

func (recorder *countingRecorder) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

func (recorder *countingRecorder) Count(event string) int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// barrierStore holds the first n email lookups until all of them arrived, so every
// caller misses before any of them creates.
type barrierStore struct {
	*MemoryUserStore
	limit   int32
	calls   int32
	arrived sync.WaitGroup
}

func newBarrierStore(limit int) *barrierStore {
	store := &barrierStore{MemoryUserStore: NewMemoryUserStore(), limit: int32(limit)}
	store.arrived.Add(limit)
	return store
}

func (store *barrierStore) FindByEmail(ctx context.Context, email string) (UserRecord, error) {
	record, err := store.MemoryUserStore.FindByEmail(ctx, email)
	if atomic.AddInt32(&store.calls, 1) <= store.limit {
		store.arrived.Done()
		store.arrived.Wait()
	}
	return record, err
}

type failingStore struct {
	*MemoryUserStore
	err error
}

func (store failingStore) FindByEmail(context.Context, string) (UserRecord, error) {
	return UserRecord{}, store.err
}

func sampleAssertion() identity.Assertion {
	return identity.Assertion{
		Provider:         identity.ProviderGitHub,
		ExternalID:       "42",
		Email:            "Ada@Example.com ",
		DisplayName:      "Ada Lovelace",
		AvatarURL:        "https://avatars.example/ada.png",
		ExternalUsername: "ada",
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := NewMemoryUserStore()
	recorder := newCountingRecorder()
	reconciler := NewReconciler(ReconcilerConfig{Store: store, Metrics: recorder, Logger: zaptest.NewLogger(t)})

	first, err := reconciler.Reconcile(context.Background(), sampleAssertion())
	require.NoError(t, err)
	require.True(t, first.IsNew)
	require.Equal(t, "ada@example.com", first.User.Email)
	require.Equal(t, RoleUser, first.User.Role)
	require.False(t, first.User.HasPassword())
	require.Equal(t, StageNeedsPassword, first.Stage())

	renamed := sampleAssertion()
	renamed.DisplayName = "Countess of Lovelace"
	second, err := reconciler.Reconcile(context.Background(), renamed)
	require.NoError(t, err)
	require.False(t, second.IsNew)
	require.Equal(t, first.User.ID, second.User.ID)
	require.Equal(t, "Countess of Lovelace", second.User.Name)
	require.Equal(t, StageComplete, second.Stage())

	require.Equal(t, 1, recorder.Count(EventSyncCreated))
	require.Equal(t, 1, recorder.Count(EventSyncRefreshed))
}

func TestReconcileConcurrentCallersConverge(t *testing.T) {
	const callers = 8
	store := newBarrierStore(callers)
	recorder := newCountingRecorder()
	reconciler := NewReconciler(ReconcilerConfig{Store: store, Metrics: recorder})

	results := make([]Resolution, callers)
	failures := make([]error, callers)
	var group sync.WaitGroup
	for index := 0; index < callers; index++ {
		group.Add(1)
		go func(slot int) {
			defer group.Done()
			results[slot], failures[slot] = reconciler.Reconcile(context.Background(), sampleAssertion())
		}(index)
	}
	group.Wait()

	newCount := 0
	for index := 0; index < callers; index++ {
		require.NoError(t, failures[index])
		require.Equal(t, results[0].User.ID, results[index].User.ID)
		if results[index].IsNew {
			newCount++
		}
	}
	require.Equal(t, 1, newCount)
	require.Equal(t, 1, recorder.Count(EventSyncCreated))
	require.Equal(t, callers-1, recorder.Count(EventSyncConflictFallback))
}

func TestReconcileNeverChangesRole(t *testing.T) {
	store := NewMemoryUserStore()
	reconciler := NewReconciler(ReconcilerConfig{Store: store})

	created, err := reconciler.Reconcile(context.Background(), sampleAssertion())
	require.NoError(t, err)
	require.NoError(t, store.SetRole(context.Background(), created.User.ID, RoleAdmin))

	again, err := reconciler.Reconcile(context.Background(), sampleAssertion())
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, again.User.Role)
}

func TestReconcileFallsBackWithoutEmail(t *testing.T) {
	store := NewMemoryUserStore()
	reconciler := NewReconciler(ReconcilerConfig{Store: store})

	created, err := reconciler.Reconcile(context.Background(), sampleAssertion())
	require.NoError(t, err)
	require.Equal(t, identity.ProviderGitHub, created.User.Provider)
	require.Equal(t, "42", created.User.ExternalID)

	bySubject := sampleAssertion()
	bySubject.Email = ""
	bySubject.ExternalUsername = "ada-renamed"
	resolved, err := reconciler.Reconcile(context.Background(), bySubject)
	require.NoError(t, err)
	require.False(t, resolved.IsNew)
	require.Equal(t, created.User.ID, resolved.User.ID)
	require.Equal(t, "ada-renamed", resolved.User.ExternalUsername)

	byUsername := sampleAssertion()
	byUsername.Email = ""
	byUsername.ExternalID = ""
	byUsername.ExternalUsername = "ada-renamed"
	resolved, err = reconciler.Reconcile(context.Background(), byUsername)
	require.NoError(t, err)
	require.False(t, resolved.IsNew)
	require.Equal(t, created.User.ID, resolved.User.ID)
}

func TestReconcileCreatesUsersSharingAnEmailLocalPart(t *testing.T) {
	store := NewMemoryUserStore()
	reconciler := NewReconciler(ReconcilerConfig{Store: store})

	personal := identity.Assertion{
		Provider:    identity.ProviderGoogle,
		ExternalID:  "google-sub-1",
		Email:       "john@gmail.com",
		DisplayName: "john",
		AvatarURL:   "https://avatars.example/default.png",
	}
	work := identity.Assertion{
		Provider:    identity.ProviderGoogle,
		ExternalID:  "google-sub-2",
		Email:       "john@company.example",
		DisplayName: "john",
		AvatarURL:   "https://avatars.example/default.png",
	}

	first, err := reconciler.Reconcile(context.Background(), personal)
	require.NoError(t, err)
	require.True(t, first.IsNew)

	second, err := reconciler.Reconcile(context.Background(), work)
	require.NoError(t, err)
	require.True(t, second.IsNew)
	require.NotEqual(t, first.User.ID, second.User.ID)
	require.Equal(t, "john@company.example", second.User.Email)
}

func TestReconcileCreatesUserForRecycledLogin(t *testing.T) {
	store := NewMemoryUserStore()
	reconciler := NewReconciler(ReconcilerConfig{Store: store})
	original, err := reconciler.Reconcile(context.Background(), sampleAssertion())
	require.NoError(t, err)

	newcomer := sampleAssertion()
	newcomer.ExternalID = "777"
	newcomer.Email = "someone.else@example.com"
	created, err := reconciler.Reconcile(context.Background(), newcomer)
	require.NoError(t, err)
	require.True(t, created.IsNew)
	require.NotEqual(t, original.User.ID, created.User.ID)
	require.Equal(t, "ada", created.User.ExternalUsername)
}

func TestReconcileRejectsInvalidAssertions(t *testing.T) {
	reconciler := NewReconciler(ReconcilerConfig{Store: NewMemoryUserStore()})

	testCases := []struct {
		name      string
		assertion identity.Assertion
	}{
		{name: "no email or username", assertion: identity.Assertion{DisplayName: "Nobody"}},
		{name: "unknown username without email", assertion: identity.Assertion{ExternalUsername: "ghost"}},
		{name: "unknown subject without email", assertion: identity.Assertion{Provider: identity.ProviderGitHub, ExternalID: "9", ExternalUsername: "ghost"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := reconciler.Reconcile(context.Background(), testCase.assertion)
			var syncErr *SyncError
			require.ErrorAs(t, err, &syncErr)
			require.Equal(t, CodeInvalidAssertion, syncErr.Code)
		})
	}
}

func TestReconcileFlagsChangedProviderEmail(t *testing.T) {
	store := NewMemoryUserStore()
	reconciler := NewReconciler(ReconcilerConfig{Store: store})
	_, err := reconciler.Reconcile(context.Background(), sampleAssertion())
	require.NoError(t, err)

	moved := sampleAssertion()
	moved.Email = "ada@newmail.example"
	_, err = reconciler.Reconcile(context.Background(), moved)
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, CodeIdentityEmailChanged, syncErr.Code)

	_, lookupErr := store.FindByEmail(context.Background(), "ada@newmail.example")
	require.ErrorIs(t, lookupErr, ErrNotFound)
}

func TestReconcileMapsStoreFailures(t *testing.T) {
	testCases := []struct {
		name     string
		cause    error
		wantCode string
	}{
		{name: "unavailable", cause: errors.New("connection refused"), wantCode: CodeStoreUnavailable},
		{name: "timeout", cause: context.DeadlineExceeded, wantCode: CodeStoreTimeout},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := newCountingRecorder()
			store := failingStore{MemoryUserStore: NewMemoryUserStore(), err: testCase.cause}
			reconciler := NewReconciler(ReconcilerConfig{Store: store, Metrics: recorder})

			_, err := reconciler.Reconcile(context.Background(), sampleAssertion())
			var syncErr *SyncError
			require.ErrorAs(t, err, &syncErr)
			require.Equal(t, testCase.wantCode, syncErr.Code)
			require.ErrorIs(t, err, testCase.cause)
			require.Equal(t, 1, recorder.Count(EventSyncFailed))
		})
	}
}
