// Package validatorupload implements C11: a specialization of the
// credential minter (C5) that only grants upload access for an epoch once
// that epoch has left the active state, and records an audit row so a
// validator's write access to its own epoch-scoped prefix can be
// reconstructed after the fact (spec.md §9 "validator audit trail").
package validatorupload

import (
	"context"
	"time"

	"github.com/tos-network/resibroker/internal/brokerrors"
	"github.com/tos-network/resibroker/internal/credential"
	"github.com/tos-network/resibroker/internal/zipcode"
)

// EpochLookup is the narrow surface this package needs from the scheduler,
// so it can confirm an epoch's lifecycle state without importing the full
// internal/epoch package.
type EpochLookup interface {
	Historical(ctx context.Context, id string) (*zipcode.Epoch, []zipcode.Assignment, error)
}

// Grant is one persisted validator-upload audit row (spec.md §9
// "recent_validator_uploads").
type Grant struct {
	ValidatorHotkey string
	EpochID         string
	Expiry          time.Time
	GrantedAt       time.Time
}

// AuditRecorder persists one row per granted upload credential and can
// surface the most recent ones. Grounded on the teacher's staking reward
// ledger idea of an append-only audit record, generalized here to validator
// upload grants instead of reward payouts.
type AuditRecorder interface {
	RecordUploadGrant(ctx context.Context, validatorHotkey, epochID string, expiry time.Time) error
	RecentGrants(ctx context.Context, limit int) ([]Grant, error)
}

// Service implements C11.
type Service struct {
	minter   *credential.Minter
	epochs   EpochLookup
	audit    AuditRecorder
	uploadTTL time.Duration
}

func New(minter *credential.Minter, epochs EpochLookup, audit AuditRecorder, uploadTTL time.Duration) *Service {
	return &Service{minter: minter, epochs: epochs, audit: audit, uploadTTL: uploadTTL}
}

// GrantUpload mints an upload policy scoped to
// validators/{hotkey}/epoch={id}/, after confirming the epoch is no longer
// active (spec.md §4.11: uploads describe completed assignment windows,
// never the one still being worked).
func (s *Service) GrantUpload(ctx context.Context, validatorHotkey, epochID string) (credential.UploadPolicy, error) {
	e, _, err := s.epochs.Historical(ctx, epochID)
	if err != nil {
		return credential.UploadPolicy{}, err
	}
	if e.Status != zipcode.StatusCompleted && e.Status != zipcode.StatusArchived {
		return credential.UploadPolicy{}, brokerrors.New(brokerrors.EpochNotFound,
			"epoch is not yet eligible for validator uploads")
	}

	prefix := credential.ValidatorUploadPrefix(validatorHotkey, epochID)
	policy, err := s.minter.MintUploadPolicy(ctx, prefix, s.uploadTTL)
	if err != nil {
		return credential.UploadPolicy{}, err
	}

	if err := s.audit.RecordUploadGrant(ctx, validatorHotkey, epochID, policy.Expiry); err != nil {
		// Audit failure doesn't unwind a credential already minted by the
		// object store, but it must be surfaced so operators notice a gap
		// in the trail rather than silently losing it.
		return policy, brokerrors.Wrap(brokerrors.Internal, "upload granted but audit record failed", err)
	}
	return policy, nil
}

// RecentUploads surfaces the most recently granted upload credentials for
// the public stats endpoint's recent_validator_uploads field (spec.md §9).
func (s *Service) RecentUploads(ctx context.Context, limit int) ([]Grant, error) {
	return s.audit.RecentGrants(ctx, limit)
}
