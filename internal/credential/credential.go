// Package credential implements C5: scoped, time-limited object-store
// credentials. MintUploadPolicy produces a signed POST policy restricted to
// a literal prefix, size band and expiry, via minio-go's PresignedPostPolicy
// — the one primitive in the retrieval pack's ecosystem that returns exactly
// the (url, form_fields, expiry) triple spec.md §4.5 requires; aws-sdk-go-v2
// has no equivalent form-based POST presign. MintReadUrl produces a
// time-bounded signed GET/LIST URL via aws-sdk-go-v2/service/s3's presign
// client, the same AWS SDK v2 family the teacher already depends on for its
// config/credentials plumbing.
package credential

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"

	"github.com/tos-network/resibroker/internal/brokerrors"
)

const (
	minUploadSize = 1 << 10          // 1 KiB
	maxUploadSize = 5 * (1 << 30)    // 5 GiB
)

// UploadPolicy is the (url, form_fields, expiry) triple returned to callers.
// It is opaque to the broker beyond field assembly.
type UploadPolicy struct {
	URL    string
	Fields map[string]string
	Expiry time.Time
}

// ReadURL is a signed URL granting list or get over a prefix for a bounded
// TTL.
type ReadURL struct {
	URL    string
	Expiry time.Time
}

// PostPolicySigner is the minimal minio-go surface Minter needs, so tests can
// substitute a fake without standing up a real object store.
type PostPolicySigner interface {
	PresignedPostPolicy(ctx context.Context, policy *minio.PostPolicy) (*url.URL, map[string]string, error)
}

// Minter implements C5.
type Minter struct {
	bucket  string
	region  string
	poster  PostPolicySigner
	presign *s3.PresignClient
	timeout time.Duration
	maxTTL  time.Duration
}

func New(bucket, region string, poster PostPolicySigner, presign *s3.PresignClient, timeout, maxTTL time.Duration) *Minter {
	return &Minter{bucket: bucket, region: region, poster: poster, presign: presign, timeout: timeout, maxTTL: maxTTL}
}

// MintUploadPolicy restricts uploads to keys beginning with prefix, enforces
// a 1 KiB – 5 GiB content-length band, and expires at now+ttl (spec.md
// §4.5). prefix must be the literal, exact scope the caller is entitled to
// — callers never pass an attacker-influenced prefix without first deriving
// it from an authenticated hotkey (see internal/api).
func (m *Minter) MintUploadPolicy(ctx context.Context, prefix string, ttl time.Duration) (UploadPolicy, error) {
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	expiry := time.Now().Add(ttl)
	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(m.bucket); err != nil {
		return UploadPolicy{}, brokerrors.Wrap(brokerrors.Internal, "building upload policy", err)
	}
	if err := policy.SetKeyStartsWith(prefix); err != nil {
		return UploadPolicy{}, brokerrors.Wrap(brokerrors.Internal, "building upload policy", err)
	}
	if err := policy.SetExpires(expiry); err != nil {
		return UploadPolicy{}, brokerrors.Wrap(brokerrors.Internal, "building upload policy", err)
	}
	if err := policy.SetContentLengthRange(minUploadSize, maxUploadSize); err != nil {
		return UploadPolicy{}, brokerrors.Wrap(brokerrors.Internal, "building upload policy", err)
	}

	signedURL, fields, err := m.poster.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return UploadPolicy{}, brokerrors.Wrap(brokerrors.DependencyUnavailable, "object store signing failed", err)
	}
	return UploadPolicy{URL: signedURL.String(), Fields: fields, Expiry: expiry}, nil
}

// MintReadUrl grants a signed list-or-get URL over prefix for ttl.
func (m *Minter) MintReadUrl(ctx context.Context, prefix string, ttl time.Duration, list bool) (ReadURL, error) {
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var (
		signed *v4PresignedHTTPRequest
		err    error
	)
	if list {
		out, perr := m.presign.PresignListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(m.bucket),
			Prefix: aws.String(prefix),
		}, s3.WithPresignExpires(ttl))
		if perr == nil {
			signed = &v4PresignedHTTPRequest{URL: out.URL}
		}
		err = perr
	} else {
		out, perr := m.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(prefix),
		}, s3.WithPresignExpires(ttl))
		if perr == nil {
			signed = &v4PresignedHTTPRequest{URL: out.URL}
		}
		err = perr
	}
	if err != nil {
		return ReadURL{}, brokerrors.Wrap(brokerrors.DependencyUnavailable, "object store signing failed", err)
	}
	return ReadURL{URL: signed.URL, Expiry: time.Now().Add(ttl)}, nil
}

// v4PresignedHTTPRequest is a thin local alias so callers above don't need
// to import aws/signer/v4 directly; both s3.PresignGetObject and
// s3.PresignListObjectsV2 return *v4.PresignedHTTPRequest, which has the
// same shape.
type v4PresignedHTTPRequest struct {
	URL string
}

// Prefixes used by the system (spec.md §4.5):
func MinerDataPrefix(hotkey string) string      { return fmt.Sprintf("data/hotkey=%s/", hotkey) }
func ValidatorGlobalListPrefix() string         { return "data/hotkey=" }
func ValidatorPerMinerPrefix(miner string) string { return fmt.Sprintf("data/hotkey=%s/", miner) }
func ValidatorUploadPrefix(validator, epochID string) string {
	return fmt.Sprintf("validators/%s/epoch=%s/", validator, epochID)
}
