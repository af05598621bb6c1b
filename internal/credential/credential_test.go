package credential

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

type fakePoster struct {
	lastPolicy *minio.PostPolicy
	err        error
}

func (f *fakePoster) PresignedPostPolicy(ctx context.Context, policy *minio.PostPolicy) (*url.URL, map[string]string, error) {
	f.lastPolicy = policy
	if f.err != nil {
		return nil, nil, f.err
	}
	u, _ := url.Parse("https://bucket.s3.amazonaws.com/")
	return u, map[string]string{"key": "data/hotkey=HK1/${filename}"}, nil
}

func TestMintUploadPolicyBindsLiteralPrefix(t *testing.T) {
	poster := &fakePoster{}
	m := New("bucket", "us-east-1", poster, nil, time.Second, 24*time.Hour)

	prefix := MinerDataPrefix("HK1")
	if prefix != "data/hotkey=HK1/" {
		t.Fatalf("unexpected prefix: %s", prefix)
	}

	_, err := m.MintUploadPolicy(context.Background(), prefix, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if poster.lastPolicy == nil {
		t.Fatal("expected PresignedPostPolicy to be invoked")
	}
}

func TestMintUploadPolicyCapsTTLAtMaxCredentialTTL(t *testing.T) {
	poster := &fakePoster{}
	maxTTL := 24 * time.Hour
	m := New("bucket", "us-east-1", poster, nil, time.Second, maxTTL)

	before := time.Now()
	policy, err := m.MintUploadPolicy(context.Background(), MinerDataPrefix("HK1"), 48*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// invariant 3 (spec.md §4.5): expiry must never exceed MAX_CREDENTIAL_TTL,
	// even when the caller asks for a longer ttl.
	if policy.Expiry.After(before.Add(maxTTL + time.Minute)) {
		t.Fatalf("expiry %v exceeds the MAX_CREDENTIAL_TTL cap from %v", policy.Expiry, before)
	}
}

func TestMinerPrefixesNeverEscapeOwnHotkey(t *testing.T) {
	// invariant 3 (spec.md §8): a miner prefix is always rooted at its own
	// hotkey and nothing else.
	got := MinerDataPrefix("HK1")
	if got != "data/hotkey=HK1/" {
		t.Fatalf("unexpected miner prefix: %s", got)
	}
	other := MinerDataPrefix("HK2")
	if got == other {
		t.Fatal("prefixes for different hotkeys must differ")
	}
}

func TestValidatorUploadPrefixRootedAtHotkeyAndEpoch(t *testing.T) {
	// invariant 4 (spec.md §8): validator-upload policies are rooted at the
	// signer's own hotkey and the target epoch, never any other validator's.
	got := ValidatorUploadPrefix("VK1", "epoch-20260731T1200Z")
	want := "validators/VK1/epoch=epoch-20260731T1200Z/"
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}
