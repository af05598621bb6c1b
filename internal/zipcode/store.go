// store.go implements C6 over Postgres via jackc/pgx/v5 — chosen over an
// ORM (gorm, used by the pack's storacha-piri for comparable epoch/task
// bookkeeping) to stay close to the teacher's own preference for direct,
// allocation-conscious driver usage seen throughout its kvstore/tosdb
// packages, which this service has no analogue of a KV engine for
// relational epoch/assignment queries, hence pgx instead of reusing
// goleveldb.
package zipcode

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tos-network/resibroker/internal/brokerrors"
)

// schedulerAdvisoryLockKey is an arbitrary constant used with Postgres
// pg_try_advisory_lock so at most one scheduler replica publishes an epoch
// at a time (spec.md §4.6 concurrency note).
const schedulerAdvisoryLockKey = 0x7265736962726f6b // "resibrok" truncated

// Store implements C6.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// UpsertZipcode bulk-upserts master-table rows (the offline listings import
// job, out of scope per spec.md §1, is the only producer of these batches).
func (s *Store) UpsertZipcode(ctx context.Context, batch []MasterRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range batch {
		_, err := tx.Exec(ctx, `
			INSERT INTO zipcode_master
				(zipcode, state, city, county, population, median_home_value,
				 expected_listings, market_tier, last_assigned_ts, data_updated_ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (zipcode) DO UPDATE SET
				state = EXCLUDED.state,
				city = EXCLUDED.city,
				county = EXCLUDED.county,
				population = EXCLUDED.population,
				median_home_value = EXCLUDED.median_home_value,
				expected_listings = EXCLUDED.expected_listings,
				market_tier = EXCLUDED.market_tier,
				data_updated_ts = EXCLUDED.data_updated_ts
		`, row.Zipcode, row.State, row.City, row.County, row.Population, row.MedianHomeValue,
			row.ExpectedListings, string(row.MarketTier), row.LastAssignedTS, row.DataUpdatedTS)
		if err != nil {
			return brokerrors.Wrap(brokerrors.Internal, "upsert zipcode row", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return brokerrors.Wrap(brokerrors.DependencyUnavailable, "db commit failed", err)
	}
	return nil
}

// GetEligible implements the eligibility filter of spec.md §4.8: drop rows
// with expected_listings outside [min,max], last_assigned_ts within the
// cooldown window, or data_updated_ts older than MaxDataAge.
func (s *Store) GetEligible(ctx context.Context, p EligibilityParams) ([]MasterRow, error) {
	minDataAge := p.Now.Add(-p.MaxDataAge)
	rows, err := s.pool.Query(ctx, `
		SELECT zipcode, state, city, county, population, median_home_value,
		       expected_listings, market_tier, last_assigned_ts, data_updated_ts
		FROM zipcode_master
		WHERE expected_listings BETWEEN $1 AND $2
		  AND (last_assigned_ts IS NULL OR last_assigned_ts < $3)
		  AND data_updated_ts >= $4
	`, p.MinListings, p.MaxListings, p.CooldownUntil, minDataAge)
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	defer rows.Close()
	return scanMasterRows(rows)
}

// GetHoneypotPool returns low-activity candidates (expected_listings <
// threshold) disjoint from the eligible set, for honeypot selection.
func (s *Store) GetHoneypotPool(ctx context.Context, threshold int64, now time.Time, maxDataAge time.Duration) ([]MasterRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT zipcode, state, city, county, population, median_home_value,
		       expected_listings, market_tier, last_assigned_ts, data_updated_ts
		FROM zipcode_master
		WHERE expected_listings < $1 AND data_updated_ts >= $2
	`, threshold, now.Add(-maxDataAge))
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	defer rows.Close()
	return scanMasterRows(rows)
}

func scanMasterRows(rows pgx.Rows) ([]MasterRow, error) {
	var out []MasterRow
	for rows.Next() {
		var (
			r         MasterRow
			tier      string
			lastAssn  *time.Time
		)
		if err := rows.Scan(&r.Zipcode, &r.State, &r.City, &r.County, &r.Population, &r.MedianHomeValue,
			&r.ExpectedListings, &tier, &lastAssn, &r.DataUpdatedTS); err != nil {
			return nil, brokerrors.Wrap(brokerrors.Internal, "scan zipcode row", err)
		}
		r.MarketTier = MarketTier(tier)
		if lastAssn != nil {
			r.LastAssignedTS = *lastAssn
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, brokerrors.Wrap(brokerrors.Internal, "iterate zipcode rows", err)
	}
	return out, nil
}

// InsertEpoch atomically persists epoch and its assignments, and updates
// last_assigned_ts for every non-honeypot... actually every assigned
// (honeypots included — spec.md invariant: "last_assigned_ts on a zipcode
// is updated iff the zipcode appears in a published epoch", which includes
// honeypots) zipcode, all within one transaction (spec.md §4.6/§4.7).
func (s *Store) InsertEpoch(ctx context.Context, epoch Epoch, assignments []Assignment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO epochs (id, start_ts, end_ts, nonce, target_listings, tolerance_percent,
		                     status, selection_seed, algorithm_version, degraded)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, epoch.ID, epoch.Start, epoch.End, epoch.Nonce, epoch.TargetListings, epoch.TolerancePercent,
		string(epoch.Status), int64(epoch.SelectionSeed), epoch.AlgorithmVersion, epoch.Degraded)
	if err != nil {
		return brokerrors.Wrap(brokerrors.Internal, "insert epoch", err)
	}

	for _, a := range assignments {
		_, err := tx.Exec(ctx, `
			INSERT INTO epoch_assignments
				(epoch_id, zipcode, expected_listings, state, city, county,
				 market_tier, selection_weight, is_honeypot)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, a.EpochID, a.Zipcode, a.ExpectedListings, a.State, a.City, a.County,
			string(a.MarketTier), a.SelectionWeight, a.IsHoneypot)
		if err != nil {
			return brokerrors.Wrap(brokerrors.Internal, "insert epoch assignment", err)
		}
		_, err = tx.Exec(ctx, `UPDATE zipcode_master SET last_assigned_ts = $1 WHERE zipcode = $2`,
			epoch.Start, a.Zipcode)
		if err != nil {
			return brokerrors.Wrap(brokerrors.Internal, "update last_assigned_ts", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return brokerrors.Wrap(brokerrors.DependencyUnavailable, "db commit failed", err)
	}
	return nil
}

// PromoteEpoch moves pendingID to active and any currently-active epoch to
// completed, in a single transaction so the API never observes two active
// epochs (spec.md §4.7).
func (s *Store) PromoteEpoch(ctx context.Context, pendingID string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE epochs SET status = $1 WHERE status = $2`,
		string(StatusCompleted), string(StatusActive)); err != nil {
		return brokerrors.Wrap(brokerrors.Internal, "complete previous epoch", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE epochs SET status = $1 WHERE id = $2`,
		string(StatusActive), pendingID); err != nil {
		return brokerrors.Wrap(brokerrors.Internal, "promote pending epoch", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return brokerrors.Wrap(brokerrors.DependencyUnavailable, "db commit failed", err)
	}
	return nil
}

// ArchiveCompleted archives completed epochs older than the retention
// window (spec.md §3 lifecycle).
func (s *Store) ArchiveCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE epochs SET status = $1 WHERE status = $2 AND end_ts < $3
	`, string(StatusArchived), string(StatusCompleted), olderThan)
	if err != nil {
		return 0, brokerrors.Wrap(brokerrors.Internal, "archive completed epochs", err)
	}
	return tag.RowsAffected(), nil
}

// ActiveEpoch returns the epoch whose [start, end) contains now, applying
// the pre-reveal rule: a pending epoch is never visible here even if its
// start has technically passed but promotion hasn't committed yet — the
// status column, not the time window alone, is authoritative (spec.md §4.7
// "enforcement is by comparing now ≥ start at read time").
func (s *Store) ActiveEpoch(ctx context.Context, now time.Time) (*Epoch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, start_ts, end_ts, nonce, target_listings, tolerance_percent,
		       status, selection_seed, algorithm_version, degraded
		FROM epochs WHERE status = $1 AND start_ts <= $2 AND end_ts > $2
	`, string(StatusActive), now)
	e, err := scanEpoch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	return e, nil
}

// GetPendingDueBy returns the pending epoch (if any) whose start <= now,
// used by the scheduler to promote it atomically.
func (s *Store) GetPendingDueBy(ctx context.Context, now time.Time) (*Epoch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, start_ts, end_ts, nonce, target_listings, tolerance_percent,
		       status, selection_seed, algorithm_version, degraded
		FROM epochs WHERE status = $1 AND start_ts <= $2 ORDER BY start_ts LIMIT 1
	`, string(StatusPending), now)
	e, err := scanEpoch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	return e, nil
}

// Epoch returns the epoch by id regardless of status (used for historical
// lookups once a caller already knows the id is no longer pending).
func (s *Store) Epoch(ctx context.Context, id string) (*Epoch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, start_ts, end_ts, nonce, target_listings, tolerance_percent,
		       status, selection_seed, algorithm_version, degraded
		FROM epochs WHERE id = $1
	`, id)
	e, err := scanEpoch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	return e, nil
}

func scanEpoch(row pgx.Row) (*Epoch, error) {
	var (
		e    Epoch
		status string
		seed int64
	)
	if err := row.Scan(&e.ID, &e.Start, &e.End, &e.Nonce, &e.TargetListings, &e.TolerancePercent,
		&status, &seed, &e.AlgorithmVersion, &e.Degraded); err != nil {
		return nil, err
	}
	e.Status = EpochStatus(status)
	e.SelectionSeed = uint64(seed)
	return &e, nil
}

// Assignments returns every assignment row for epochID, including
// honeypots; callers decide whether to strip is_honeypot before returning
// it externally (spec.md §9: "never in the public assignment response").
func (s *Store) Assignments(ctx context.Context, epochID string) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT epoch_id, zipcode, expected_listings, state, city, county,
		       market_tier, selection_weight, is_honeypot
		FROM epoch_assignments WHERE epoch_id = $1
	`, epochID)
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var (
			a    Assignment
			tier string
		)
		if err := rows.Scan(&a.EpochID, &a.Zipcode, &a.ExpectedListings, &a.State, &a.City, &a.County,
			&tier, &a.SelectionWeight, &a.IsHoneypot); err != nil {
			return nil, brokerrors.Wrap(brokerrors.Internal, "scan assignment row", err)
		}
		a.MarketTier = MarketTier(tier)
		out = append(out, a)
	}
	return out, rows.Err()
}

// TryAcquireSchedulerLock attempts the Postgres session-level advisory lock
// ensuring at most one scheduler replica publishes an epoch concurrently
// (spec.md §4.6). The returned release func must be called (even on error
// paths) to release the lock on the same pooled connection.
func (s *Store) TryAcquireSchedulerLock(ctx context.Context) (acquired bool, release func(context.Context), err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, func(context.Context) {}, brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, int64(schedulerAdvisoryLockKey)).Scan(&ok); err != nil {
		conn.Release()
		return false, func(context.Context) {}, brokerrors.Wrap(brokerrors.Internal, "advisory lock query failed", err)
	}
	release = func(ctx context.Context) {
		conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, int64(schedulerAdvisoryLockKey))
		conn.Release()
	}
	if !ok {
		release(ctx)
		return false, func(context.Context) {}, nil
	}
	return true, release, nil
}

// CountDegradedEpochs returns how many epochs starting at or after since were
// flagged degraded, for the rolling degraded-epoch count on the public stats
// endpoint (spec.md §9 "stats endpoint detail").
func (s *Store) CountDegradedEpochs(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM epochs WHERE degraded = true AND start_ts >= $1
	`, since).Scan(&n)
	if err != nil {
		return 0, brokerrors.Wrap(brokerrors.DependencyUnavailable, "db unavailable", err)
	}
	return n, nil
}

// Ping verifies database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
