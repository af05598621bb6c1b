// Package commitment implements C4: parsing and validating the
// role-specific commitment strings peers sign, in the fixed five-step order
// spec.md §4.4 mandates (parse → skew → signature → registration → role).
// No request body field influences that order — this prevents side
// channels from conditional work, the same "fixed order regardless of
// input" guarantee spec.md §5 requires.
package commitment

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tos-network/resibroker/internal/brokerrors"
	"github.com/tos-network/resibroker/internal/chainview"
	"github.com/tos-network/resibroker/internal/keyid"
	"github.com/tos-network/resibroker/internal/sigscheme"
)

// Purpose identifies one of the closed set of commitment templates
// (spec.md §3).
type Purpose string

const (
	PurposeMinerDataAccess      Purpose = "s3:data:access"
	PurposeValidatorAccess      Purpose = "s3:validator:access"
	PurposeValidatorUpload      Purpose = "s3:validator:upload"
	PurposeZipcodeCurrent       Purpose = "zipcode:assignment:current"
	PurposeZipcodeHistorical    Purpose = "zipcode:validation"
)

// Request is the subset of an inbound HTTP request commitment validates.
// Fields are populated from either the legacy JSON body or the header form
// (spec.md §6); both carry the same logical fields.
type Request struct {
	Purpose   Purpose
	Coldkey   string // only for PurposeMinerDataAccess
	Hotkey    string
	EpochID   string // signed only for PurposeZipcodeHistorical; also carried (unsigned) for PurposeValidatorUpload
	Timestamp int64  // unix seconds, as embedded in the commitment string
	Signature []byte
}

// canonical reconstructs the exact byte string the peer must have signed.
func (r Request) canonical() (string, error) {
	switch r.Purpose {
	case PurposeMinerDataAccess:
		if r.Coldkey == "" || r.Hotkey == "" {
			return "", fmt.Errorf("missing coldkey/hotkey")
		}
		return fmt.Sprintf("s3:data:access:%s:%s:%d", r.Coldkey, r.Hotkey, r.Timestamp), nil
	case PurposeValidatorAccess:
		return fmt.Sprintf("s3:validator:access:%d", r.Timestamp), nil
	case PurposeValidatorUpload:
		return fmt.Sprintf("s3:validator:upload:%d", r.Timestamp), nil
	case PurposeZipcodeCurrent:
		return fmt.Sprintf("zipcode:assignment:current:%d", r.Timestamp), nil
	case PurposeZipcodeHistorical:
		if r.EpochID == "" {
			return "", fmt.Errorf("missing epoch id")
		}
		return fmt.Sprintf("zipcode:validation:%s:%d", r.EpochID, r.Timestamp), nil
	default:
		return "", fmt.Errorf("unknown purpose %q", r.Purpose)
	}
}

func (r Request) role() keyid.Role {
	switch r.Purpose {
	case PurposeValidatorAccess, PurposeValidatorUpload, PurposeZipcodeHistorical:
		return keyid.RoleValidator
	default:
		return keyid.RoleMiner
	}
}

func (r Request) requiresValidator() bool {
	return r.role() == keyid.RoleValidator
}

// AuthContext is the populated result of a successful validation.
type AuthContext struct {
	Role    keyid.Role
	Hotkey  keyid.KeyId
	Coldkey keyid.KeyId // zero value unless PurposeMinerDataAccess
	Chain   chainview.LookupResult
}

// Validator runs the fixed five-step pipeline of spec.md §4.4.
type Validator struct {
	scheme           sigscheme.Verifier
	chain            *chainview.View
	skew             time.Duration
	verifyTimeout    time.Duration
	validatorMinStake decimal.Decimal
	enforceStakeFloor bool
}

func New(scheme sigscheme.Verifier, chain *chainview.View, skew, verifyTimeout time.Duration, validatorMinStake decimal.Decimal, enforceStakeFloor bool) *Validator {
	return &Validator{
		scheme:            scheme,
		chain:             chain,
		skew:              skew,
		verifyTimeout:     verifyTimeout,
		validatorMinStake: validatorMinStake,
		enforceStakeFloor: enforceStakeFloor,
	}
}

// Validate executes, in fixed order: parse → skew → signature → registration
// → role. It never branches its step order on request content.
func (v *Validator) Validate(ctx context.Context, req Request, now time.Time) (*AuthContext, error) {
	// 1. Parse: reconstruct the canonical string; reject malformed input.
	canon, err := req.canonical()
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.AuthMalformed, "malformed commitment", err)
	}
	hotkey, err := keyid.Parse(req.Hotkey)
	if err != nil {
		return nil, brokerrors.Wrap(brokerrors.AuthMalformed, "malformed hotkey", err)
	}
	var coldkey keyid.KeyId
	if req.Purpose == PurposeMinerDataAccess {
		coldkey, err = keyid.Parse(req.Coldkey)
		if err != nil {
			return nil, brokerrors.Wrap(brokerrors.AuthMalformed, "malformed coldkey", err)
		}
	}

	// 2. Skew: freshness window, independent of signature correctness.
	delta := now.Unix() - req.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > v.skew {
		return nil, brokerrors.New(brokerrors.AuthSkew, "timestamp outside freshness window")
	}

	// 3. Signature: CPU-bound, deadline-guarded, never retried on failure.
	if err := v.verifySignature(ctx, hotkey, []byte(canon), req.Signature); err != nil {
		return nil, err
	}

	// 4. Registration: chain lookup on the hotkey.
	info, err := v.chain.Lookup(ctx, hotkey)
	if err != nil {
		return nil, err
	}
	if !info.Registered {
		return nil, brokerrors.New(brokerrors.AuthUnknownKey, "hotkey not registered on subnet")
	}

	// 5. Role: validator endpoints require validator status (+ optional
	//    stake floor); coldkey is never trusted without cryptographic
	//    evidence (spec.md §9 Open Question) — it is accepted here only
	//    because it was embedded in the signed canonical string itself.
	if req.requiresValidator() {
		if !info.Validator {
			return nil, brokerrors.New(brokerrors.AuthNotValidator, "endpoint requires validator status")
		}
		if v.enforceStakeFloor && info.Stake.LessThan(v.validatorMinStake) {
			return nil, brokerrors.New(brokerrors.AuthStake, "validator stake below floor")
		}
	}

	return &AuthContext{Role: req.role(), Hotkey: hotkey, Coldkey: coldkey, Chain: info}, nil
}

func (v *Validator) verifySignature(ctx context.Context, hotkey keyid.KeyId, msg, sig []byte) error {
	type result struct {
		ok bool
	}
	done := make(chan result, 1)
	go func() {
		ok := v.scheme.Verify(hotkey[:], msg, sig)
		done <- result{ok: ok}
	}()

	tctx, cancel := context.WithTimeout(ctx, v.verifyTimeout)
	defer cancel()

	select {
	case r := <-done:
		if !r.ok {
			return brokerrors.New(brokerrors.AuthSignature, "signature verification failed")
		}
		return nil
	case <-tctx.Done():
		return brokerrors.Wrap(brokerrors.DependencyUnavailable, "signature verification timed out", tctx.Err())
	}
}

// ParseTimestamp is a small helper for handlers decoding the X-Timestamp
// header of the header-authenticated GET endpoints.
func ParseTimestamp(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
