// Package chainview implements C1: a process-wide, lock-free read-only
// snapshot of the subnet metagraph. A background task refreshes it on
// SYNC_INTERVAL; readers take a single atomic load, matching the "atomic
// pointer-swap, no singleton with hidden constructor" design note (spec.md
// §9) and the shape of the teacher's own chain-state publication pattern
// (crypto/consensus snapshot swap, adapted here to an off-chain read cache
// instead of an in-process consensus cache).
package chainview

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tos-network/resibroker/internal/brokerrors"
	"github.com/tos-network/resibroker/internal/keyid"
	"github.com/tos-network/resibroker/internal/xlog"
)

// PeerInfo is one entry of the metagraph snapshot.
type PeerInfo struct {
	Index     int
	Validator bool
	Stake     decimal.Decimal
}

// Snapshot is an immutable metagraph view at a point in time.
type Snapshot struct {
	NetUID    uint16
	Peers     map[keyid.KeyId]PeerInfo
	SyncedAt  time.Time
}

func (s *Snapshot) lookup(k keyid.KeyId) (PeerInfo, bool) {
	if s == nil {
		return PeerInfo{}, false
	}
	p, ok := s.Peers[k]
	return p, ok
}

// ChainClient is the minimal external chain query surface consumed by View
// (spec.md §6, "Chain interface (consumed)"). Production implementations
// wrap an RPC client the way the teacher's tosclient package wraps
// rpc.Client calls; tests supply an in-memory fake.
type ChainClient interface {
	Metagraph(ctx context.Context, netuid uint16) (map[keyid.KeyId]PeerInfo, error)
	VerifySignature(ctx context.Context, pk, msg, sig []byte) (bool, error)
}

// View owns the atomically-published snapshot and the background sync loop.
type View struct {
	client ChainClient
	netuid uint16

	maxStale        time.Duration
	fallbackEnabled bool

	snap    atomic.Pointer[Snapshot]
	staleCt atomic.Int64
}

// New constructs a View. The caller must call SyncOnce before serving
// authenticated requests (spec.md §4.1: "initial sync must succeed before
// the service accepts authenticated requests").
func New(client ChainClient, netuid uint16, maxStale time.Duration, fallbackEnabled bool) *View {
	return &View{client: client, netuid: netuid, maxStale: maxStale, fallbackEnabled: fallbackEnabled}
}

// SyncOnce performs a single synchronous fetch-and-publish. Used for the
// mandatory initial sync and by Run's ticker iterations.
func (v *View) SyncOnce(ctx context.Context) error {
	peers, err := v.client.Metagraph(ctx, v.netuid)
	if err != nil {
		v.staleCt.Add(1)
		return err
	}
	v.snap.Store(&Snapshot{NetUID: v.netuid, Peers: peers, SyncedAt: time.Now().UTC()})
	v.staleCt.Store(0)
	return nil
}

// Run starts the periodic sync background task. It blocks until ctx is
// canceled; callers invoke it as `go view.Run(ctx, interval)`.
func (v *View) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := xlog.New("component", "chainview")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.SyncOnce(ctx); err != nil {
				log.Warnw("metagraph sync failed, retaining previous snapshot", "err", err)
			}
		}
	}
}

// Staleness reports how long ago the current snapshot was published, and
// whether one exists at all.
func (v *View) Staleness() (time.Duration, bool) {
	s := v.snap.Load()
	if s == nil {
		return 0, false
	}
	return time.Since(s.SyncedAt), true
}

// LookupResult is the outcome of Lookup.
type LookupResult struct {
	Registered bool
	Validator  bool
	Stake      decimal.Decimal
}

// Lookup answers "is key K registered on subnet N?" in O(1) via a single
// atomic load plus a map read — no locks on the hot path. If the snapshot
// is older than maxStale, it returns brokerrors.DependencyUnavailable unless
// a fallback direct query is enabled and succeeds.
func (v *View) Lookup(ctx context.Context, k keyid.KeyId) (LookupResult, error) {
	s := v.snap.Load()
	if s == nil {
		return LookupResult{}, brokerrors.New(brokerrors.DependencyUnavailable, "chain view not yet synced")
	}
	if age := time.Since(s.SyncedAt); age > v.maxStale {
		if !v.fallbackEnabled {
			return LookupResult{}, brokerrors.New(brokerrors.DependencyUnavailable, "chain snapshot stale")
		}
		return v.fallbackLookup(ctx, k)
	}
	p, ok := s.lookup(k)
	if !ok {
		return LookupResult{Registered: false}, nil
	}
	return LookupResult{Registered: true, Validator: p.Validator, Stake: p.Stake}, nil
}

// fallbackLookup performs a direct, timeout-guarded chain query, used only
// when CHAIN_FALLBACK_ENABLED is explicitly set (spec.md §9 Open Question:
// this must be a single explicit config flag, never an inferred fallback).
func (v *View) fallbackLookup(ctx context.Context, k keyid.KeyId) (LookupResult, error) {
	peers, err := v.client.Metagraph(ctx, v.netuid)
	if err != nil {
		return LookupResult{}, brokerrors.Wrap(brokerrors.DependencyUnavailable, "direct chain fallback failed", err)
	}
	p, ok := peers[k]
	if !ok {
		return LookupResult{Registered: false}, nil
	}
	return LookupResult{Registered: true, Validator: p.Validator, Stake: p.Stake}, nil
}

// VerifySignature delegates to the chain client's own verification. No
// resibroker code path calls it and no setting selects it: request
// signatures are always checked through internal/sigscheme (see
// internal/commitment). It is kept as the interface contract spec.md §6 names.
func (v *View) VerifySignature(ctx context.Context, pk, msg, sig []byte) (bool, error) {
	return v.client.VerifySignature(ctx, pk, msg, sig)
}
