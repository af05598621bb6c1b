package validatorupload

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/tos-network/resibroker/internal/brokerrors"
	"github.com/tos-network/resibroker/internal/credential"
	"github.com/tos-network/resibroker/internal/zipcode"
)

type fakePoster struct{}

func (fakePoster) PresignedPostPolicy(ctx context.Context, policy *minio.PostPolicy) (*url.URL, map[string]string, error) {
	u, _ := url.Parse("https://bucket.s3.amazonaws.com/")
	return u, map[string]string{}, nil
}

type fakeEpochs struct {
	epoch *zipcode.Epoch
	err   error
}

func (f *fakeEpochs) Historical(ctx context.Context, id string) (*zipcode.Epoch, []zipcode.Assignment, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.epoch, nil, nil
}

type fakeAudit struct {
	grants []Grant
	err    error
}

func (f *fakeAudit) RecordUploadGrant(ctx context.Context, validatorHotkey, epochID string, expiry time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.grants = append(f.grants, Grant{ValidatorHotkey: validatorHotkey, EpochID: epochID, Expiry: expiry, GrantedAt: time.Now()})
	return nil
}

func (f *fakeAudit) RecentGrants(ctx context.Context, limit int) ([]Grant, error) {
	if len(f.grants) > limit {
		return f.grants[:limit], nil
	}
	return f.grants, nil
}

func newMinter() *credential.Minter {
	return credential.New("bucket", "us-east-1", fakePoster{}, nil, time.Second, 24*time.Hour)
}

func TestGrantUploadRejectsStillActiveEpoch(t *testing.T) {
	epochs := &fakeEpochs{epoch: &zipcode.Epoch{ID: "e1", Status: zipcode.StatusActive}}
	svc := New(newMinter(), epochs, &fakeAudit{}, 4*time.Hour)

	_, err := svc.GrantUpload(context.Background(), "VK1", "e1")
	if brokerrors.KindOf(err) != brokerrors.EpochNotFound {
		// spec.md §4.10: uploads describe completed assignment windows,
		// never the one still being worked.
		t.Fatalf("expected EpochNotFound for an active epoch, got %v", err)
	}
}

func TestGrantUploadAllowsCompletedEpochAndRootsPrefix(t *testing.T) {
	epochs := &fakeEpochs{epoch: &zipcode.Epoch{ID: "e1", Status: zipcode.StatusCompleted}}
	audit := &fakeAudit{}
	svc := New(newMinter(), epochs, audit, 4*time.Hour)

	_, err := svc.GrantUpload(context.Background(), "VK1", "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audit.grants) != 1 {
		t.Fatalf("expected one audit row to be recorded, got %d", len(audit.grants))
	}
	if audit.grants[0].ValidatorHotkey != "VK1" || audit.grants[0].EpochID != "e1" {
		t.Fatalf("unexpected audit row: %+v", audit.grants[0])
	}
}

func TestGrantUploadAllowsArchivedEpoch(t *testing.T) {
	epochs := &fakeEpochs{epoch: &zipcode.Epoch{ID: "e1", Status: zipcode.StatusArchived}}
	svc := New(newMinter(), epochs, &fakeAudit{}, 4*time.Hour)

	if _, err := svc.GrantUpload(context.Background(), "VK1", "e1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecentUploadsSurfacesAuditTrail(t *testing.T) {
	audit := &fakeAudit{grants: []Grant{
		{ValidatorHotkey: "VK1", EpochID: "e1"},
		{ValidatorHotkey: "VK2", EpochID: "e2"},
	}}
	svc := New(newMinter(), &fakeEpochs{}, audit, 4*time.Hour)

	got, err := svc.RecentUploads(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected limit to be respected, got %d rows", len(got))
	}
}
