package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres brings up a throwaway Postgres and returns a migrated Store.
func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	pgc, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("devicecore"),
		postgres.WithUsername("devicecore"),
		postgres.WithPassword("devicecore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgc.Terminate(ctx) })

	dsn, err := pgc.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedNiche(t *testing.T, s *Store, slug string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := s.db.GetContext(context.Background(), &id,
		`INSERT INTO niches (slug, name) VALUES ($1, $1) RETURNING id`, slug)
	require.NoError(t, err)
	return id
}

func seedDevice(t *testing.T, s *Store, name string, port int) uuid.UUID {
	t.Helper()
	id, err := s.RegisterDevice(context.Background(), name, "udid-"+name, port)
	require.NoError(t, err)
	return id
}

func seedAccount(t *testing.T, s *Store, nicheID uuid.UUID, username string, state AccountState, lastWarmed *time.Time) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := s.db.GetContext(context.Background(), &id, `
		INSERT INTO accounts (platform, username, niche_id, current_state, last_warmed_at)
		VALUES ('tiktok', $1, $2, $3, $4)
		RETURNING id`,
		username, nicheID, state, lastWarmed)
	require.NoError(t, err)
	return id
}

// Ten devices racing over five accounts: every account is claimed exactly
// once and the losers come back empty-handed.
func TestClaimContentionExactlyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	s := startPostgres(t)
	ctx := context.Background()

	nicheID := seedNiche(t, s, "fitness")
	accounts := make([]uuid.UUID, 5)
	for i := range accounts {
		accounts[i] = seedAccount(t, s, nicheID, uuid.NewString()[:12], StateWarmingP1, nil)
	}

	devices := make([]uuid.UUID, 10)
	for i := range devices {
		devices[i] = seedDevice(t, s, uuid.NewString()[:8], 8100+i)
	}

	var mu sync.Mutex
	claimed := map[uuid.UUID]int{}
	empty := 0

	var wg sync.WaitGroup
	for _, dev := range devices {
		wg.Add(1)
		go func(dev uuid.UUID) {
			defer wg.Done()
			acct, err := s.ClaimWarmingAccount(ctx, dev)
			mu.Lock()
			defer mu.Unlock()
			if err == ErrNoEligibleAccount {
				empty++
				return
			}
			require.NoError(t, err)
			claimed[acct.ID]++
		}(dev)
	}
	wg.Wait()

	assert.Equal(t, 5, empty)
	assert.Len(t, claimed, 5)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "account %s claimed more than once", id)
	}
}

// Claim ordering drains never-warmed accounts before anything else and the
// earliest phases before later ones.
func TestClaimOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	s := startPostgres(t)
	ctx := context.Background()

	nicheID := seedNiche(t, s, "cooking")
	dev := seedDevice(t, s, "phone-01", 8100)

	yesterday := time.Now().Add(-24 * time.Hour)
	older := time.Now().Add(-48 * time.Hour)

	active := seedAccount(t, s, nicheID, "acct-active", StateActive, &older)
	p2 := seedAccount(t, s, nicheID, "acct-p2", StateWarmingP2, &yesterday)
	fresh := seedAccount(t, s, nicheID, "acct-created", StateCreated, nil)

	// Accounts already stamped today are invisible to the claim.
	now := time.Now()
	seedAccount(t, s, nicheID, "acct-done", StateWarmingP1, &now)

	var order []uuid.UUID
	for {
		acct, err := s.ClaimWarmingAccount(ctx, dev)
		if err == ErrNoEligibleAccount {
			break
		}
		require.NoError(t, err)
		order = append(order, acct.ID)
	}

	require.Equal(t, []uuid.UUID{fresh, p2, active}, order)
}

// Two devices can never share an automation port; the udid upsert is the
// only way to reuse one.
func TestDevicePortUnique(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	s := startPostgres(t)
	ctx := context.Background()

	first, err := s.RegisterDevice(ctx, "phone-01", "udid-a", 8100)
	require.NoError(t, err)

	_, err = s.RegisterDevice(ctx, "phone-02", "udid-b", 8100)
	require.Error(t, err)

	// Re-registering the same udid on its own port still works.
	again, err := s.RegisterDevice(ctx, "phone-01", "udid-a", 8100)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

// A completed session advances day count and state atomically with the
// progress record.
func TestCompleteWarmingSessionRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	s := startPostgres(t)
	ctx := context.Background()

	nicheID := seedNiche(t, s, "travel")
	dev := seedDevice(t, s, "phone-02", 8101)
	acctID := seedAccount(t, s, nicheID, "acct-rt", StateWarmingP1, nil)

	err := s.CompleteWarmingSession(ctx, SessionResult{
		AccountID:   acctID,
		DeviceID:    dev,
		Platform:    PlatformTikTok,
		Phase:       2,
		Day:         4,
		NextState:   StateWarmingP2,
		SessionData: JSONMap{"videos_watched": 42},
		StartedAt:   time.Now().Add(-25 * time.Minute),
	})
	require.NoError(t, err)

	acct, err := s.GetAccount(ctx, acctID)
	require.NoError(t, err)
	assert.Equal(t, StateWarmingP2, acct.CurrentState)
	assert.Equal(t, 4, acct.WarmingDayCount)

	var n int
	require.NoError(t, s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM warming_progress WHERE account_id = $1 AND completed_at IS NOT NULL`, acctID))
	assert.Equal(t, 1, n)
}
