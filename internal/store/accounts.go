package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoEligibleAccount is returned by ClaimWarmingAccount when every
// eligible row is either already warmed today or locked by another device.
var ErrNoEligibleAccount = errors.New("no eligible account to claim")

// claimQuery selects the single most-overdue warmable account and locks it.
// SKIP LOCKED makes concurrent claimants pass over rows another device is
// holding instead of blocking on them. State ranking drains never-warmed
// accounts first, then the earliest phases.
const claimQuery = `
SELECT a.id, a.platform, a.username, a.email_enc, a.password_enc,
       a.totp_secret_enc, a.proxy_credentials, a.niche_id, a.device_id,
       a.current_state, a.warming_day_count, a.followers, a.following, a.bio,
       a.last_activity_at, a.last_warmed_at, a.last_post_at, a.deleted_at,
       a.created_at, a.updated_at,
       n.slug AS niche_slug
FROM accounts a
JOIN niches n ON n.id = a.niche_id
WHERE a.deleted_at IS NULL
  AND a.platform = ANY($1)
  AND a.current_state IN ('created', 'warming_p1', 'warming_p2', 'warming_p3', 'active')
  AND (a.last_warmed_at IS NULL OR a.last_warmed_at < date_trunc('day', now()))
ORDER BY
  CASE a.current_state
    WHEN 'created'    THEN 0
    WHEN 'warming_p1' THEN 1
    WHEN 'warming_p2' THEN 2
    WHEN 'warming_p3' THEN 3
    WHEN 'active'     THEN 4
  END,
  a.last_warmed_at ASC NULLS FIRST,
  a.id
LIMIT 1
FOR UPDATE OF a SKIP LOCKED`

// ClaimWarmingAccount atomically picks the next account due for warming and
// stamps it as claimed by deviceID. Stamping last_warmed_at inside the claim
// transaction means a crashed or failed session still counts as today's
// attempt, so one broken account cannot pin a device in a retry loop.
func (s *Store) ClaimWarmingAccount(ctx context.Context, deviceID uuid.UUID) (*Account, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	platforms := make([]string, len(WarmablePlatforms))
	for i, p := range WarmablePlatforms {
		platforms[i] = string(p)
	}

	var acct Account
	err = tx.GetContext(ctx, &acct, claimQuery, platforms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEligibleAccount
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable account: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET device_id = $1, last_warmed_at = now(), updated_at = now() WHERE id = $2`,
		deviceID, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("stamp claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	acct.DeviceID = &deviceID
	now := time.Now()
	acct.LastWarmedAt = &now
	return &acct, nil
}

// SessionResult is the per-cycle outcome recorded atomically by
// CompleteWarmingSession.
type SessionResult struct {
	AccountID   uuid.UUID
	DeviceID    uuid.UUID
	Platform    Platform
	Phase       int
	Day         int
	NextState   AccountState
	SessionData JSONMap
	StartedAt   time.Time
}

// CompleteWarmingSession advances the account's day count and state and
// appends the progress record in one transaction. The state write is
// legality-checked against the row's current state under lock.
func (s *Store) CompleteWarmingSession(ctx context.Context, res SessionResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin completion tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current AccountState
	err = tx.GetContext(ctx, &current,
		`SELECT current_state FROM accounts WHERE id = $1 FOR UPDATE`, res.AccountID)
	if err != nil {
		return fmt.Errorf("lock account for completion: %w", err)
	}
	if !CanTransition(current, res.NextState) {
		return &ErrIllegalTransition{From: current, To: res.NextState}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET current_state = $1,
		    warming_day_count = $2,
		    last_activity_at = now(),
		    updated_at = now()
		WHERE id = $3`,
		res.NextState, res.Day, res.AccountID)
	if err != nil {
		return fmt.Errorf("advance account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO warming_progress
			(account_id, device_id, platform, warming_phase, warming_day, session_data, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		res.AccountID, res.DeviceID, res.Platform, res.Phase, res.Day, res.SessionData, res.StartedAt)
	if err != nil {
		return fmt.Errorf("insert warming progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completion: %w", err)
	}
	return nil
}

// RecordWarmingFailure appends a partial progress row with no completed_at
// for a session that broke mid-warming. Overhead aborts (install, login,
// decryption) never reach this: those leave no progress row at all. The
// account's state and day count are left untouched; the claim stamp already
// burned today's slot.
func (s *Store) RecordWarmingFailure(ctx context.Context, res SessionResult, cause string) error {
	data := res.SessionData
	if data == nil {
		data = JSONMap{}
	}
	data["failure"] = cause

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warming_progress
			(account_id, device_id, platform, warming_phase, warming_day, session_data, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.AccountID, res.DeviceID, res.Platform, res.Phase, res.Day, data, res.StartedAt)
	if err != nil {
		return fmt.Errorf("insert failed warming progress: %w", err)
	}
	return nil
}

// TransitionAccountState moves an account along a lifecycle edge. Used by
// the failure classifier to park accounts in exception states and by
// operators to revive them.
func (s *Store) TransitionAccountState(ctx context.Context, accountID uuid.UUID, to AccountState) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current AccountState
	err = tx.GetContext(ctx, &current,
		`SELECT current_state FROM accounts WHERE id = $1 FOR UPDATE`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("account %s: %w", accountID, sql.ErrNoRows)
	}
	if err != nil {
		return fmt.Errorf("lock account for transition: %w", err)
	}
	if !CanTransition(current, to) {
		return &ErrIllegalTransition{From: current, To: to}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET current_state = $1, updated_at = now() WHERE id = $2`,
		to, accountID)
	if err != nil {
		return fmt.Errorf("update account state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// NewAccount is the insert payload for a freshly created account.
type NewAccount struct {
	Platform      Platform
	Username      string
	EmailEnc      string
	PasswordEnc   string
	TOTPSecretEnc string
	NicheID       uuid.UUID
	DeviceID      uuid.UUID
	Bio           string
}

// InsertAccount persists a newly created account in state created.
func (s *Store) InsertAccount(ctx context.Context, na NewAccount) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO accounts
			(platform, username, email_enc, password_enc, totp_secret_enc, niche_id, device_id, bio, current_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'created')
		RETURNING id`,
		na.Platform, na.Username, na.EmailEnc, na.PasswordEnc, na.TOTPSecretEnc,
		na.NicheID, na.DeviceID, na.Bio)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

// UsernameExists reports whether a username is already taken on a platform,
// soft-deleted rows included. Usernames are never reused.
func (s *Store) UsernameExists(ctx context.Context, platform Platform, username string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE platform = $1 AND username = $2)`,
		platform, username)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return exists, nil
}

// CreationSlot is a (platform, niche) pair with its current live account
// count, used to pick where the next account should be created.
type CreationSlot struct {
	Platform  Platform  `db:"platform"`
	NicheID   uuid.UUID `db:"niche_id"`
	NicheSlug string    `db:"niche_slug"`
	Count     int       `db:"count"`
}

// CreationTarget returns the emptiest (platform, niche) slot across the
// warmable platforms and active niches. Ties break on niche slug, then
// platform, so the answer is stable between calls.
func (s *Store) CreationTarget(ctx context.Context) (*CreationSlot, error) {
	var slot CreationSlot
	err := s.db.GetContext(ctx, &slot, `
		SELECT p.platform, n.id AS niche_id, n.slug AS niche_slug, count(a.id) AS count
		FROM niches n
		CROSS JOIN (VALUES ('tiktok'), ('instagram')) AS p(platform)
		LEFT JOIN accounts a
		       ON a.niche_id = n.id
		      AND a.platform = p.platform
		      AND a.deleted_at IS NULL
		      AND a.current_state NOT IN ('suspended', 'banned')
		WHERE n.status = 'active'
		GROUP BY p.platform, n.id, n.slug
		ORDER BY count ASC, n.slug, p.platform
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select creation target: %w", err)
	}
	return &slot, nil
}

// AccountFilter narrows ListAccounts. Zero values mean no constraint.
type AccountFilter struct {
	Platform Platform
	State    AccountState
	NicheID  uuid.UUID
	Limit    int
}

// ListAccounts returns non-deleted accounts, newest first.
func (s *Store) ListAccounts(ctx context.Context, f AccountFilter) ([]Account, error) {
	q := `
		SELECT a.id, a.platform, a.username, a.email_enc, a.password_enc,
		       a.totp_secret_enc, a.proxy_credentials, a.niche_id, a.device_id,
		       a.current_state, a.warming_day_count, a.followers, a.following, a.bio,
		       a.last_activity_at, a.last_warmed_at, a.last_post_at, a.deleted_at,
		       a.created_at, a.updated_at,
		       n.slug AS niche_slug
		FROM accounts a
		JOIN niches n ON n.id = a.niche_id
		WHERE a.deleted_at IS NULL`
	args := []any{}
	if f.Platform != "" {
		args = append(args, f.Platform)
		q += fmt.Sprintf(" AND a.platform = $%d", len(args))
	}
	if f.State != "" {
		args = append(args, f.State)
		q += fmt.Sprintf(" AND a.current_state = $%d", len(args))
	}
	if f.NicheID != uuid.Nil {
		args = append(args, f.NicheID)
		q += fmt.Sprintf(" AND a.niche_id = $%d", len(args))
	}
	q += " ORDER BY a.created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))

	var out []Account
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

// GetAccount loads one account with its niche slug.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var acct Account
	err := s.db.GetContext(ctx, &acct, `
		SELECT a.id, a.platform, a.username, a.email_enc, a.password_enc,
		       a.totp_secret_enc, a.proxy_credentials, a.niche_id, a.device_id,
		       a.current_state, a.warming_day_count, a.followers, a.following, a.bio,
		       a.last_activity_at, a.last_warmed_at, a.last_post_at, a.deleted_at,
		       a.created_at, a.updated_at,
		       n.slug AS niche_slug
		FROM accounts a
		JOIN niches n ON n.id = a.niche_id
		WHERE a.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &acct, nil
}

// StateCount is one row of the fleet state histogram.
type StateCount struct {
	Platform Platform     `db:"platform"`
	State    AccountState `db:"current_state"`
	Count    int          `db:"count"`
}

// AccountStateCounts aggregates live accounts by platform and state.
func (s *Store) AccountStateCounts(ctx context.Context) ([]StateCount, error) {
	var out []StateCount
	err := s.db.SelectContext(ctx, &out, `
		SELECT platform, current_state, count(*) AS count
		FROM accounts
		WHERE deleted_at IS NULL
		GROUP BY platform, current_state
		ORDER BY platform, current_state`)
	if err != nil {
		return nil, fmt.Errorf("count account states: %w", err)
	}
	return out, nil
}
