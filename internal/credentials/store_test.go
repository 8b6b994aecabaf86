package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/chatmodel"
	"weave/internal/store"
)

// fakePersistence is an in-memory Persistence used for single-flight and
// refresh-algorithm tests; it never touches Postgres.
type fakePersistence struct {
	mu      sync.Mutex
	records map[string]chatmodel.CredentialRecord
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: map[string]chatmodel.CredentialRecord{}}
}

func (f *fakePersistence) GetCredential(ctx context.Context, userID string) (chatmodel.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[userID]
	if !ok {
		return chatmodel.CredentialRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakePersistence) UpsertCredential(ctx context.Context, c chatmodel.CredentialRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[c.UserID] = c
	return nil
}

func (f *fakePersistence) DeleteCredential(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, userID)
	return nil
}

func (f *fakePersistence) SweepExpiredCredentials(ctx context.Context) (int64, error) {
	return 0, nil
}

// newTestTokenServer simulates the identity provider's refresh-token grant
// endpoint, counting how many times it was hit.
func newTestTokenServer(t *testing.T) (*httptest.Server, *int64) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-token","token_type":"Bearer","expires_in":3600,"refresh_token":"new-refresh"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newStoreWithTokenServer(t *testing.T) (*Store, *fakePersistence, *int64) {
	srv, calls := newTestTokenServer(t)
	db := newFakePersistence()
	s := &Store{
		db:          db,
		refreshSkew: 60 * time.Second,
		oauth: oauth2.Config{
			ClientID: "test-client",
			Endpoint: oauth2.Endpoint{TokenURL: srv.URL},
		},
	}
	return s, db, calls
}

// TestGetOrRefresh_SingleFlight is spec.md §8 scenario 6 / property P5:
// concurrent GetOrRefresh calls for the same expired user collapse into one
// upstream refresh, and all callers observe the same post-refresh record.
func TestGetOrRefresh_SingleFlight(t *testing.T) {
	s, db, calls := newStoreWithTokenServer(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertCredential(ctx, chatmodel.CredentialRecord{
		UserID:       "u1",
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute), // already expired
	}))

	const n = 20
	var wg sync.WaitGroup
	results := make([]chatmodel.CredentialRecord, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.GetOrRefresh(ctx, "u1")
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(calls), "expected exactly one upstream refresh call")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-token", results[i].AccessToken)
		assert.True(t, results[i].ExpiresAt.After(time.Now()))
	}

	stored, err := db.GetCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new-token", stored.AccessToken)
	assert.Equal(t, "new-refresh", stored.RefreshToken)
}

// TestGetOrRefresh_NonExpiredSkipsRefresh ensures a record well inside its
// expiry is returned without ever contacting the identity provider.
func TestGetOrRefresh_NonExpiredSkipsRefresh(t *testing.T) {
	s, db, calls := newStoreWithTokenServer(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertCredential(ctx, chatmodel.CredentialRecord{
		UserID: "u1", AccessToken: "still-good", ExpiresAt: time.Now().Add(time.Hour),
	}))

	rec, err := s.GetOrRefresh(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "still-good", rec.AccessToken)
	assert.EqualValues(t, 0, atomic.LoadInt64(calls))
}

// TestGetOrRefresh_ServicePrincipalSkipsRefresh covers the sentinel refresh
// token per §4.A: a service-principal record is reported as-is even if its
// expiry has passed, never refreshed.
func TestGetOrRefresh_ServicePrincipalSkipsRefresh(t *testing.T) {
	s, db, calls := newStoreWithTokenServer(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertCredential(ctx, chatmodel.CredentialRecord{
		UserID:       "svc",
		AccessToken:  "svc-token",
		RefreshToken: chatmodel.ServicePrincipalRefreshToken,
		ExpiresAt:    time.Now().Add(-time.Hour),
	}))

	rec, err := s.GetOrRefresh(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "svc-token", rec.AccessToken)
	assert.EqualValues(t, 0, atomic.LoadInt64(calls))
}

// TestGetOrRefresh_NoRefreshTokenFailsExpiredNoRefresh covers the
// TokenExpiredNoRefresh failure mode.
func TestGetOrRefresh_NoRefreshTokenFailsExpiredNoRefresh(t *testing.T) {
	s, db, _ := newStoreWithTokenServer(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertCredential(ctx, chatmodel.CredentialRecord{
		UserID: "u1", AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Hour),
	}))

	_, err := s.GetOrRefresh(ctx, "u1")
	require.ErrorIs(t, err, ErrTokenExpiredNoRefresh)
}

// TestGetOrRefresh_UpstreamFailureReportsExpired covers the
// UpstreamRefreshFailed failure mode: the expired record is left untouched
// in persistence and the caller observes the wrapped error, not a panic or
// silent retry.
func TestGetOrRefresh_UpstreamFailureReportsExpired(t *testing.T) {
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer badSrv.Close()

	db := newFakePersistence()
	s := &Store{
		db:          db,
		refreshSkew: 60 * time.Second,
		oauth: oauth2.Config{
			ClientID: "test-client",
			Endpoint: oauth2.Endpoint{TokenURL: badSrv.URL},
		},
	}
	ctx := context.Background()
	expiredAt := time.Now().Add(-time.Hour)
	require.NoError(t, db.UpsertCredential(ctx, chatmodel.CredentialRecord{
		UserID: "u1", AccessToken: "stale", RefreshToken: "old-refresh", ExpiresAt: expiredAt,
	}))

	_, err := s.GetOrRefresh(ctx, "u1")
	require.ErrorIs(t, err, ErrUpstreamRefreshFailed)

	stored, err := db.GetCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "stale", stored.AccessToken)
	assert.True(t, stored.ExpiresAt.Equal(expiredAt))
}

// TestGet_NeverRefreshes ensures Get reports expiry without attempting any
// refresh, per §4.A's contract ("Get ... never refreshes").
func TestGet_NeverRefreshes(t *testing.T) {
	s, db, calls := newStoreWithTokenServer(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertCredential(ctx, chatmodel.CredentialRecord{
		UserID: "u1", AccessToken: "stale", RefreshToken: "old-refresh", ExpiresAt: time.Now().Add(-time.Hour),
	}))

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "stale", rec.AccessToken)
	assert.EqualValues(t, 0, atomic.LoadInt64(calls))
}

func TestGet_MissingReturnsTokenMissing(t *testing.T) {
	s, _, _ := newStoreWithTokenServer(t)
	_, err := s.Get(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrTokenMissing)
}

