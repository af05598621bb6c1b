package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/minio/minio-go/v7"
	"github.com/shopspring/decimal"

	"github.com/tos-network/resibroker/internal/chainview"
	"github.com/tos-network/resibroker/internal/commitment"
	"github.com/tos-network/resibroker/internal/config"
	"github.com/tos-network/resibroker/internal/credential"
	"github.com/tos-network/resibroker/internal/epoch"
	"github.com/tos-network/resibroker/internal/keyid"
	"github.com/tos-network/resibroker/internal/ratelimit"
	"github.com/tos-network/resibroker/internal/sigscheme"
	"github.com/tos-network/resibroker/internal/validatorupload"
	"github.com/tos-network/resibroker/internal/zipcode"
)

// fakeVerifier models "signature produced by hotkey X" without real crypto:
// a valid signature for pk is literally the bytes "sig-for-<hex(pk)>", so a
// signature minted for one hotkey never verifies against another (S3).
type fakeVerifier struct{}

func (fakeVerifier) Scheme() sigscheme.Scheme { return sigscheme.Ed25519 }
func (fakeVerifier) Verify(pk, msg, sig []byte) bool {
	return string(sig) == "sig-for-"+hex.EncodeToString(pk)
}

func sigFor(k keyid.KeyId) []byte { return []byte("sig-for-" + k.String()) }

// fakeChainClient's peer map is mutated in place between SyncOnce calls, so
// a single chainview.View (shared by both the commitment.Validator and the
// Server) can be updated to register a new peer mid-test.
type fakeChainClient struct {
	peers map[keyid.KeyId]chainview.PeerInfo
}

func (f *fakeChainClient) Metagraph(ctx context.Context, netuid uint16) (map[keyid.KeyId]chainview.PeerInfo, error) {
	return f.peers, nil
}
func (f *fakeChainClient) VerifySignature(ctx context.Context, pk, msg, sig []byte) (bool, error) {
	return true, nil
}

type fakeEpochStore struct {
	epochs      map[string]zipcode.Epoch
	assignments map[string][]zipcode.Assignment
}

func newFakeEpochStore() *fakeEpochStore {
	return &fakeEpochStore{epochs: map[string]zipcode.Epoch{}, assignments: map[string][]zipcode.Assignment{}}
}

func (f *fakeEpochStore) GetEligible(ctx context.Context, p zipcode.EligibilityParams) ([]zipcode.MasterRow, error) {
	return nil, nil
}
func (f *fakeEpochStore) GetHoneypotPool(ctx context.Context, threshold int64, now time.Time, maxDataAge time.Duration) ([]zipcode.MasterRow, error) {
	return nil, nil
}
func (f *fakeEpochStore) InsertEpoch(ctx context.Context, e zipcode.Epoch, assignments []zipcode.Assignment) error {
	f.epochs[e.ID] = e
	f.assignments[e.ID] = assignments
	return nil
}
func (f *fakeEpochStore) PromoteEpoch(ctx context.Context, pendingID string, now time.Time) error {
	e := f.epochs[pendingID]
	e.Status = zipcode.StatusActive
	f.epochs[pendingID] = e
	return nil
}
func (f *fakeEpochStore) ArchiveCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeEpochStore) ActiveEpoch(ctx context.Context, now time.Time) (*zipcode.Epoch, error) {
	for _, e := range f.epochs {
		if e.Status == zipcode.StatusActive && !now.Before(e.Start) && now.Before(e.End) {
			ee := e
			return &ee, nil
		}
	}
	return nil, nil
}
func (f *fakeEpochStore) GetPendingDueBy(ctx context.Context, now time.Time) (*zipcode.Epoch, error) {
	return nil, nil
}
func (f *fakeEpochStore) Epoch(ctx context.Context, id string) (*zipcode.Epoch, error) {
	e, ok := f.epochs[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}
func (f *fakeEpochStore) Assignments(ctx context.Context, epochID string) ([]zipcode.Assignment, error) {
	return f.assignments[epochID], nil
}
func (f *fakeEpochStore) TryAcquireSchedulerLock(ctx context.Context) (bool, func(context.Context), error) {
	return true, func(context.Context) {}, nil
}
func (f *fakeEpochStore) CountDegradedEpochs(ctx context.Context, since time.Time) (int64, error) {
	return 0, nil
}

type fakePoster struct{}

func (fakePoster) PresignedPostPolicy(ctx context.Context, policy *minio.PostPolicy) (*url.URL, map[string]string, error) {
	u, _ := url.Parse("https://bucket.s3.amazonaws.com/")
	return u, map[string]string{}, nil
}

type fakeAudit struct{ grants []validatorupload.Grant }

func (f *fakeAudit) RecordUploadGrant(ctx context.Context, validatorHotkey, epochID string, expiry time.Time) error {
	f.grants = append(f.grants, validatorupload.Grant{ValidatorHotkey: validatorHotkey, EpochID: epochID, Expiry: expiry})
	return nil
}
func (f *fakeAudit) RecentGrants(ctx context.Context, limit int) ([]validatorupload.Grant, error) {
	return f.grants, nil
}

// testHarness wires a full Server the way cmd/resibroker/main.go does, but
// with every external dependency replaced by an in-memory or embedded fake
// (spec.md §8's concrete scenarios S1-S7).
type testHarness struct {
	server     *Server
	store      *fakeEpochStore
	chain      *chainview.View
	chainPeers *fakeChainClient
	redis      *miniredis.Miniredis
	cfg        *config.Config
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		DailyLimitPerMiner:           50,
		DailyLimitPerValidator:       200,
		TotalDailyLimit:              100000,
		EnableRateLimiting:           true,
		ValidatorVerificationTimeout: 5 * time.Second,
		SignatureVerificationTimeout: time.Second,
		S3OperationTimeout:           time.Second,
		DBTimeout:                    5 * time.Second,
		TimestampSkew:                5 * time.Minute,
		MaxCredentialTTL:             24 * time.Hour,
		UploadTTL:                    4 * time.Hour,
		MinZipcodeListings:           5,
		MaxZipcodeListings:           500,
		CooldownHours:                72,
		MaxDataAgeDays:               30,
	}

	chainClient := &fakeChainClient{peers: map[keyid.KeyId]chainview.PeerInfo{}}
	chain := chainview.New(chainClient, 1, time.Hour, false)
	if err := chain.SyncOnce(context.Background()); err != nil {
		t.Fatalf("initial chain sync: %v", err)
	}

	minStake := decimal.Zero
	auth := commitment.New(fakeVerifier{}, chain, cfg.TimestampSkew, cfg.SignatureVerificationTimeout, minStake, false)
	limiter := ratelimit.New(rdb, cfg.EnableRateLimiting)
	minter := credential.New("bucket", "us-east-1", fakePoster{}, nil, cfg.S3OperationTimeout, cfg.MaxCredentialTTL)
	store := newFakeEpochStore()
	scheduler := epoch.New(store, cfg)
	uploads := validatorupload.New(minter, scheduler, &fakeAudit{}, cfg.UploadTTL)

	srv := New(cfg, auth, limiter, chain, minter, scheduler, uploads, nil)
	return &testHarness{server: srv, store: store, chain: chain, chainPeers: chainClient, redis: mr, cfg: cfg}
}

func (h *testHarness) registerPeer(k keyid.KeyId, validator bool, stake string) {
	st, _ := decimal.NewFromString(stake)
	h.chainPeers.peers[k] = chainview.PeerInfo{Validator: validator, Stake: st}
	if err := h.chain.SyncOnce(context.Background()); err != nil {
		panic(err)
	}
}

func mustKey(b byte) keyid.KeyId {
	var k keyid.KeyId
	for i := range k {
		k[i] = b
	}
	return k
}

func doJSON(t *testing.T, h *testHarness, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

// S1 — Miner happy path (spec.md §8).
func TestS1_MinerHappyPath(t *testing.T) {
	h := newTestHarness(t)
	hk := mustKey(0xAA)
	ck := mustKey(0xBB)
	h.registerPeer(hk, false, "0")

	now := time.Now()
	body := accessRequestBody{
		Coldkey:   ck.String(),
		Hotkey:    hk.String(),
		Timestamp: now.Unix(),
		Signature: hex.EncodeToString(sigFor(hk)),
	}
	rec := doJSON(t, h, http.MethodPost, "/get-folder-access", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Fields    map[string]string `json:"fields"`
		ExpiresAt time.Time         `json:"expires_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	wantExpiry := now.Add(24 * time.Hour)
	if diff := resp.ExpiresAt.Sub(wantExpiry); diff < -5*time.Second || diff > 5*time.Second {
		t.Fatalf("expiry %v not within 5s of T+86400s (%v)", resp.ExpiresAt, wantExpiry)
	}

	count, err := h.server.limiter.CurrentCount(context.Background(), ratelimit.MinerScope(hk))
	if err != nil {
		t.Fatalf("reading rate counter: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected daily:miner:%s counter to be 1, got %d", hk, count)
	}
}

// S2 — Stale timestamp.
func TestS2_StaleTimestamp(t *testing.T) {
	h := newTestHarness(t)
	hk := mustKey(0xAA)
	h.registerPeer(hk, false, "0")

	ts := time.Now().Add(-time.Hour).Unix()
	body := accessRequestBody{
		Coldkey:   mustKey(0xBB).String(),
		Hotkey:    hk.String(),
		Timestamp: ts,
		Signature: hex.EncodeToString(sigFor(hk)),
	}
	rec := doJSON(t, h, http.MethodPost, "/get-folder-access", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != "AuthSkew" {
		t.Fatalf("expected AuthSkew, got %v", resp["error"])
	}

	count, _ := h.server.limiter.CurrentCount(context.Background(), ratelimit.MinerScope(hk))
	if count != 0 {
		t.Fatalf("expected no counter increment on skew rejection, got %d", count)
	}
}

// S3 — Wrong-key signature.
func TestS3_WrongKeySignature(t *testing.T) {
	h := newTestHarness(t)
	hk1 := mustKey(0xAA)
	hk2 := mustKey(0xCC)
	h.registerPeer(hk1, false, "0")

	body := accessRequestBody{
		Coldkey:   mustKey(0xBB).String(),
		Hotkey:    hk1.String(),
		Timestamp: time.Now().Unix(),
		Signature: hex.EncodeToString(sigFor(hk2)), // signed by a different hotkey
	}
	rec := doJSON(t, h, http.MethodPost, "/get-folder-access", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != "AuthSignature" {
		t.Fatalf("expected AuthSignature, got %v", resp["error"])
	}

	count, _ := h.server.limiter.CurrentCount(context.Background(), ratelimit.MinerScope(hk1))
	if count != 0 {
		t.Fatalf("expected no rate-limit consumption on signature failure, got %d", count)
	}
}

// S4 — Validator endpoint attempted by a non-validator.
func TestS4_ValidatorAttemptedByMiner(t *testing.T) {
	h := newTestHarness(t)
	hk := mustKey(0xAA)
	h.registerPeer(hk, false, "0") // registered, but not a validator

	body := accessRequestBody{
		Hotkey:    hk.String(),
		Timestamp: time.Now().Unix(),
		Signature: hex.EncodeToString(sigFor(hk)),
	}
	rec := doJSON(t, h, http.MethodPost, "/get-validator-access", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != "AuthNotValidator" {
		t.Fatalf("expected AuthNotValidator, got %v", resp["error"])
	}
}

// S6 — Rate cap.
func TestS6_RateCap(t *testing.T) {
	h := newTestHarness(t)
	h.cfg.DailyLimitPerMiner = 3
	hk := mustKey(0xAA)
	h.registerPeer(hk, false, "0")

	for i := 0; i < 3; i++ {
		body := accessRequestBody{
			Coldkey:   mustKey(0xBB).String(),
			Hotkey:    hk.String(),
			Timestamp: time.Now().Unix(),
			Signature: hex.EncodeToString(sigFor(hk)),
		}
		rec := doJSON(t, h, http.MethodPost, "/get-folder-access", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}

	body := accessRequestBody{
		Coldkey:   mustKey(0xBB).String(),
		Hotkey:    hk.String(),
		Timestamp: time.Now().Unix(),
		Signature: hex.EncodeToString(sigFor(hk)),
	}
	rec := doJSON(t, h, http.MethodPost, "/get-folder-access", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the request past the cap, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != "RateExceeded" {
		t.Fatalf("expected RateExceeded, got %v", resp["error"])
	}
}

// S7 — Pre-generation invisibility.
func TestS7_PreGenerationInvisibility(t *testing.T) {
	h := newTestHarness(t)
	hk := mustKey(0xAA)
	h.registerPeer(hk, false, "0")

	start := time.Now().Add(time.Minute)
	h.store.epochs["epoch-pending"] = zipcode.Epoch{
		ID: "epoch-pending", Start: start, End: start.Add(4 * time.Hour),
		Nonce: "deadbeef", Status: zipcode.StatusPending,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/zipcode-assignments/current", nil)
	req.Header.Set("X-Hotkey", hk.String())
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Signature", hex.EncodeToString(sigFor(hk)))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the slot starts, got %d: %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("deadbeef")) {
		t.Fatal("nonce of a pending epoch must never be exposed before its start")
	}

	// Promote it and confirm current() now serves it with its nonce.
	e := h.store.epochs["epoch-pending"]
	e.Status = zipcode.StatusActive
	e.Start = time.Now().Add(-time.Second)
	e.End = e.Start.Add(4 * time.Hour)
	h.store.epochs["epoch-pending"] = e

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/zipcode-assignments/current", nil)
	req2.Header.Set("X-Hotkey", hk.String())
	req2.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req2.Header.Set("X-Signature", hex.EncodeToString(sigFor(hk)))
	rec2 := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 once active, got %d: %s", rec2.Code, rec2.Body.String())
	}
	if !bytes.Contains(rec2.Body.Bytes(), []byte("deadbeef")) {
		t.Fatal("expected the nonce to be present once the epoch is active")
	}
}
