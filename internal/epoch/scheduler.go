// Package epoch implements C7: the 4-hour UTC-aligned epoch scheduler that
// drives zipcode assignment generation. Its loop shape — a ticker, a
// context.Context for shutdown, and a sync.WaitGroup tracking the
// background goroutine — is the same one the tos-pool sibling service uses
// for its internal/master.Master task loop (see other_examples), adapted
// here to the pending→active→completed→archived state machine of
// spec.md §4.7 instead of share-submission bookkeeping.
package epoch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tos-network/resibroker/internal/brokerrors"
	"github.com/tos-network/resibroker/internal/config"
	"github.com/tos-network/resibroker/internal/xlog"
	"github.com/tos-network/resibroker/internal/zipcode"
)

const (
	slotDuration        = 4 * time.Hour
	pregenLeadTime      = 5 * time.Minute
	archiveRetention    = 30 * 24 * time.Hour
	algorithmVersion    = 1
	rollingDegradedWindow = 7 * 24 * time.Hour
)

// Store is the persistence surface the scheduler needs from
// internal/zipcode.Store, narrowed so this package doesn't depend on the
// concrete pgx-backed type.
type Store interface {
	GetEligible(ctx context.Context, p zipcode.EligibilityParams) ([]zipcode.MasterRow, error)
	GetHoneypotPool(ctx context.Context, threshold int64, now time.Time, maxDataAge time.Duration) ([]zipcode.MasterRow, error)
	InsertEpoch(ctx context.Context, e zipcode.Epoch, assignments []zipcode.Assignment) error
	PromoteEpoch(ctx context.Context, pendingID string, now time.Time) error
	ArchiveCompleted(ctx context.Context, olderThan time.Time) (int64, error)
	ActiveEpoch(ctx context.Context, now time.Time) (*zipcode.Epoch, error)
	GetPendingDueBy(ctx context.Context, now time.Time) (*zipcode.Epoch, error)
	Epoch(ctx context.Context, id string) (*zipcode.Epoch, error)
	Assignments(ctx context.Context, epochID string) ([]zipcode.Assignment, error)
	TryAcquireSchedulerLock(ctx context.Context) (bool, func(context.Context), error)
	CountDegradedEpochs(ctx context.Context, since time.Time) (int64, error)
}

// Stats is the summary surface of the public stats endpoint (spec.md §6).
type Stats struct {
	ActiveEpochID        string
	TotalAssigned        int64
	Degraded             bool
	HoneypotCount        int
	TierBreakdown        map[zipcode.MarketTier]int
	RollingDegradedCount int64 // degraded epochs started within rollingDegradedWindow (spec.md §9)
}

// Scheduler implements C7.
type Scheduler struct {
	store  Store
	cfg    *config.Config
	wg     sync.WaitGroup
	logger interface {
		Infow(string, ...interface{})
		Warnw(string, ...interface{})
		Errorw(string, ...interface{})
	}
}

func New(store Store, cfg *config.Config) *Scheduler {
	return &Scheduler{store: store, cfg: cfg, logger: xlog.New("component", "epoch")}
}

// Run starts a background loop that ticks every tick, generating the next
// pending epoch at T-5m and promoting any epoch whose start has arrived.
// Run itself returns immediately; the loop exits once ctx is cancelled, and
// callers Wait() for that.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.tickOnce(ctx, now.UTC())
			}
		}
	}()
}

// Wait blocks until the background loop started by Run has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) tickOnce(ctx context.Context, now time.Time) {
	acquired, release, err := s.store.TryAcquireSchedulerLock(ctx)
	if err != nil {
		s.logger.Errorw("advisory lock acquisition failed", "err", err)
		return
	}
	if !acquired {
		// another replica holds the writer lock this tick; nothing to do.
		return
	}
	defer release(ctx)

	if err := s.promotePending(ctx, now); err != nil {
		s.logger.Errorw("promote pending epoch failed", "err", err)
	}
	if err := s.pregenerateIfDue(ctx, now); err != nil {
		s.logger.Errorw("pregenerate epoch failed", "err", err)
	}
	if n, err := s.store.ArchiveCompleted(ctx, now.Add(-archiveRetention)); err != nil {
		s.logger.Errorw("archive completed epochs failed", "err", err)
	} else if n > 0 {
		s.logger.Infow("archived completed epochs", "count", n)
	}
}

func (s *Scheduler) promotePending(ctx context.Context, now time.Time) error {
	pending, err := s.store.GetPendingDueBy(ctx, now)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}
	if err := s.store.PromoteEpoch(ctx, pending.ID, now); err != nil {
		return err
	}
	s.logger.Infow("promoted epoch to active", "epoch_id", pending.ID, "start", pending.Start)
	return nil
}

func (s *Scheduler) pregenerateIfDue(ctx context.Context, now time.Time) error {
	nextStart := currentSlotStart(now).Add(slotDuration)
	if nextStart.Sub(now) > pregenLeadTime {
		return nil
	}
	existing, err := s.store.Epoch(ctx, slotID(nextStart))
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return s.generateWithID(ctx, slotID(nextStart), nextStart, now)
}

// generateWithID runs the selector (C8) against currently eligible rows and
// persists the resulting epoch+assignments as pending under epochID
// (spec.md §4.6/§4.7). Pre-reveal: nothing written here is visible to
// ActiveEpoch callers until promotePending flips its status, regardless of
// how close now is to start.
func (s *Scheduler) generateWithID(ctx context.Context, epochID string, start, now time.Time) error {
	end := start.Add(slotDuration)

	cooldown := now.Add(-time.Duration(s.cfg.CooldownHours) * time.Hour)
	eligible, err := s.store.GetEligible(ctx, zipcode.EligibilityParams{
		Now:           now,
		MinListings:   s.cfg.MinZipcodeListings,
		MaxListings:   s.cfg.MaxZipcodeListings,
		CooldownUntil: cooldown,
		MaxDataAge:    time.Duration(s.cfg.MaxDataAgeDays) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	honeypots, err := s.store.GetHoneypotPool(ctx, s.cfg.HoneypotThreshold, now,
		time.Duration(s.cfg.MaxDataAgeDays)*24*time.Hour)
	if err != nil {
		return err
	}

	weights := zipcode.Weights{
		Tier: map[zipcode.MarketTier]float64{
			zipcode.TierPremium:  s.cfg.PremiumWeight,
			zipcode.TierStandard: s.cfg.StandardWeight,
			zipcode.TierEmerging: s.cfg.EmergingWeight,
		},
		State: s.cfg.StatePriorities.Priority,
		Cooldown: func(lastAssigned, now time.Time) float64 {
			if lastAssigned.IsZero() {
				return 1
			}
			elapsed := now.Sub(lastAssigned)
			window := time.Duration(s.cfg.CooldownHours) * time.Hour
			if elapsed >= window {
				return 1
			}
			return float64(elapsed) / float64(window)
		},
	}

	result := zipcode.Select(zipcode.SelectorParams{
		Eligible:     eligible,
		HoneypotPool: honeypots,
		Target:       s.cfg.TargetListings,
		Tolerance:    s.cfg.TolerancePercent,
		Weights:      weights,
		Alpha:        s.cfg.SelectionRandomness,
		HoneypotP:    s.cfg.HoneypotProbability,
		Secret:       s.cfg.ZipcodeSecretKey,
		EpochID:      epochID,
		Now:          now,
		StartTS:      start,
	})

	if result.Degraded {
		s.logger.Warnw("epoch generation degraded: selection missed tolerance band",
			"epoch_id", epochID, "assigned", len(result.Assignments), "target", s.cfg.TargetListings)
	}

	e := zipcode.Epoch{
		ID:               epochID,
		Start:            start,
		End:              end,
		Nonce:            result.Nonce,
		TargetListings:   s.cfg.TargetListings,
		TolerancePercent: s.cfg.TolerancePercent,
		Status:           zipcode.StatusPending,
		SelectionSeed:    result.Seed,
		AlgorithmVersion: algorithmVersion,
		Degraded:         result.Degraded,
	}
	for i := range result.Assignments {
		result.Assignments[i].EpochID = epochID
	}

	if err := s.store.InsertEpoch(ctx, e, result.Assignments); err != nil {
		return err
	}
	s.logger.Infow("generated pending epoch", "epoch_id", epochID, "assigned", len(result.Assignments))
	return nil
}

// currentSlotStart floors t to the most recent 4-hour UTC boundary
// (00:00, 04:00, 08:00, ...).
func currentSlotStart(t time.Time) time.Time {
	t = t.UTC()
	h := t.Hour() - (t.Hour() % int(slotDuration.Hours()))
	return time.Date(t.Year(), t.Month(), t.Day(), h, 0, 0, 0, time.UTC)
}

// slotID derives a stable, human-legible epoch id from its start time.
// Repeated ticks for the same slot are idempotent: pregenerateIfDue looks up
// this exact id and skips generation if it already exists.
func slotID(start time.Time) string {
	return fmt.Sprintf("epoch-%s", start.UTC().Format("20060102T1504Z"))
}

// forceRegenAttemptID derives a one-off epoch id for ForceRegenerate, distinct
// from slotID's idempotent form so an operator-triggered replacement never
// collides with (or is skipped in favor of) the pending row already sitting
// under slotID(start).
func forceRegenAttemptID(start time.Time) string {
	return fmt.Sprintf("%s-regen-%s", slotID(start), uuid.NewString()[:8])
}

// ForceRegenerate discards the pending epoch for the given slot (if any) and
// generates a replacement under a fresh id, for operator use when the master
// table was corrected after the normal T-5m pregeneration already ran (spec.md
// §9 operational supplement). It refuses to touch a slot that is already
// active or completed — only a still-pending epoch may be replaced.
func (s *Scheduler) ForceRegenerate(ctx context.Context, start, now time.Time) error {
	acquired, release, err := s.store.TryAcquireSchedulerLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return brokerrors.New(brokerrors.DependencyUnavailable, "scheduler lock held by another replica")
	}
	defer release(ctx)

	existing, err := s.store.Epoch(ctx, slotID(start))
	if err != nil {
		return err
	}
	if existing != nil && existing.Status != zipcode.StatusPending {
		return brokerrors.New(brokerrors.Internal, "cannot regenerate an epoch that is no longer pending")
	}

	return s.generateWithID(ctx, forceRegenAttemptID(start), start, now)
}

// Current returns the currently active epoch and its assignments, or
// brokerrors.NoActiveEpoch if none is active (spec.md §6).
func (s *Scheduler) Current(ctx context.Context, now time.Time) (*zipcode.Epoch, []zipcode.Assignment, error) {
	e, err := s.store.ActiveEpoch(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	if e == nil {
		return nil, nil, brokerrors.New(brokerrors.NoActiveEpoch, "no epoch is currently active")
	}
	assignments, err := s.store.Assignments(ctx, e.ID)
	if err != nil {
		return nil, nil, err
	}
	return e, stripHoneypots(assignments), nil
}

// Historical returns any non-pending (active, completed or archived) epoch
// by id, with honeypots
// stripped (spec.md §9: never exposed in public responses, present only for
// internal validator-audit tooling via Assignments directly).
func (s *Scheduler) Historical(ctx context.Context, id string) (*zipcode.Epoch, []zipcode.Assignment, error) {
	e, err := s.store.Epoch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if e == nil || e.Status == zipcode.StatusPending {
		// a pending epoch is invisible even by direct id lookup: pre-reveal
		// applies regardless of how the caller learned the id.
		return nil, nil, brokerrors.New(brokerrors.EpochNotFound, "epoch not found")
	}
	assignments, err := s.store.Assignments(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return e, stripHoneypots(assignments), nil
}

// Stats summarizes the currently active epoch for the public stats
// endpoint.
func (s *Scheduler) Stats(ctx context.Context, now time.Time) (Stats, error) {
	e, assignments, err := s.Current(ctx, now)
	if err != nil {
		if kind := brokerrors.KindOf(err); kind == brokerrors.NoActiveEpoch {
			return Stats{}, err
		}
		return Stats{}, err
	}
	st := Stats{ActiveEpochID: e.ID, Degraded: e.Degraded, TierBreakdown: map[zipcode.MarketTier]int{}}
	for _, a := range assignments {
		st.TotalAssigned += a.ExpectedListings
		st.TierBreakdown[a.MarketTier]++
	}
	// honeypots already stripped by Current; read the raw count separately
	// for operator visibility without exposing which zipcodes they are.
	all, err := s.store.Assignments(ctx, e.ID)
	if err == nil {
		for _, a := range all {
			if a.IsHoneypot {
				st.HoneypotCount++
			}
		}
	}
	if n, err := s.store.CountDegradedEpochs(ctx, now.Add(-rollingDegradedWindow)); err == nil {
		st.RollingDegradedCount = n
	} else {
		s.logger.Warnw("rolling degraded-epoch count unavailable", "err", err)
	}
	return st, nil
}

func stripHoneypots(in []zipcode.Assignment) []zipcode.Assignment {
	out := make([]zipcode.Assignment, 0, len(in))
	for _, a := range in {
		if a.IsHoneypot {
			continue
		}
		out = append(out, a)
	}
	return out
}
