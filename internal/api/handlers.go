package api

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tos-network/resibroker/internal/brokerrors"
	"github.com/tos-network/resibroker/internal/commitment"
	"github.com/tos-network/resibroker/internal/credential"
	"github.com/tos-network/resibroker/internal/keyid"
	"github.com/tos-network/resibroker/internal/metrics"
	"github.com/tos-network/resibroker/internal/ratelimit"
	"github.com/tos-network/resibroker/internal/validatorupload"
	"github.com/tos-network/resibroker/internal/xlog"
)

// accessRequestBody is the legacy JSON body form shared by the four
// commitment-authenticated POST endpoints (spec.md §6); fields unused by a
// given purpose are simply left empty.
type accessRequestBody struct {
	Coldkey     string `json:"coldkey"`
	Hotkey      string `json:"hotkey"`
	Timestamp   int64  `json:"timestamp"`
	Signature   string `json:"signature"` // hex
	MinerHotkey string `json:"miner_hotkey,omitempty"`
	EpochID     string `json:"epoch_id,omitempty"`
}

func (b accessRequestBody) signatureBytes() ([]byte, error) {
	return hex.DecodeString(b.Signature)
}

// bindCommitment decodes the JSON body into a commitment.Request for the
// given purpose, returning the raw body alongside it for handlers that need
// a field beyond the commitment itself (e.g. miner_hotkey); it never
// branches validation order based on body content beyond what
// Request.canonical already fixes (commitment.Validate owns the actual
// parse → skew → signature → registration → role sequence).
func bindCommitment(c *gin.Context, purpose commitment.Purpose) (commitment.Request, accessRequestBody, error) {
	var body accessRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return commitment.Request{}, body, brokerrors.Wrap(brokerrors.AuthMalformed, "malformed request body", err)
	}
	sig, err := body.signatureBytes()
	if err != nil {
		return commitment.Request{}, body, brokerrors.Wrap(brokerrors.AuthMalformed, "signature is not valid hex", err)
	}
	return commitment.Request{
		Purpose:   purpose,
		Coldkey:   body.Coldkey,
		Hotkey:    body.Hotkey,
		EpochID:   body.EpochID,
		Timestamp: body.Timestamp,
		Signature: sig,
	}, body, nil
}

func (s *Server) handleHealthcheck(c *gin.Context) {
	ctx, cancel := deadline(c, s.cfg.DBTimeout)
	defer cancel()
	report := metrics.RunProbes(ctx, s.cfg.DBTimeout, s.probes)
	status := http.StatusOK
	if !report.OK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleRateLimits(c *gin.Context) {
	hotkeyStr := c.Query("hotkey")
	if hotkeyStr == "" {
		writeError(c, brokerrors.New(brokerrors.AuthMalformed, "hotkey query param required"))
		return
	}
	hotkey, err := keyid.Parse(hotkeyStr)
	if err != nil {
		writeError(c, brokerrors.Wrap(brokerrors.AuthMalformed, "malformed hotkey", err))
		return
	}
	ctx, cancel := deadline(c, s.cfg.DBTimeout)
	defer cancel()

	minerCount, err := s.limiter.CurrentCount(ctx, ratelimit.MinerScope(hotkey))
	if err != nil {
		writeError(c, err)
		return
	}
	validatorCount, err := s.limiter.CurrentCount(ctx, ratelimit.ValidatorScope(hotkey))
	if err != nil {
		writeError(c, err)
		return
	}
	globalCount, err := s.limiter.CurrentCount(ctx, ratelimit.GlobalScope())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"miner": gin.H{"count": minerCount, "limit": s.cfg.DailyLimitPerMiner},
		"validator": gin.H{"count": validatorCount, "limit": s.cfg.DailyLimitPerValidator},
		"global": gin.H{"count": globalCount, "limit": s.cfg.TotalDailyLimit},
	})
}

// handleMinerDataAccess implements POST /get-folder-access: a miner's own
// upload policy over data/hotkey={hotkey}/ (spec.md §6). Only the upload
// policy is issued; the response carries no signed list URL.
func (s *Server) handleMinerDataAccess(c *gin.Context) {
	req, _, err := bindCommitment(c, commitment.PurposeMinerDataAccess)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx, cancel := deadline(c, s.cfg.ValidatorVerificationTimeout)
	defer cancel()

	authCtx, err := s.auth.Validate(ctx, req, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.checkRateLimit(c, ratelimit.MinerScope(authCtx.Hotkey), s.cfg.DailyLimitPerMiner); err != nil {
		writeError(c, err)
		return
	}

	prefix := credential.MinerDataPrefix(authCtx.Hotkey.String())
	policy, err := s.minter.MintUploadPolicy(ctx, prefix, s.cfg.MaxCredentialTTL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": policy.URL, "fields": policy.Fields, "expires_at": policy.Expiry})
}

// handleValidatorAccess implements POST /get-validator-access: a read-only
// listing credential over the whole data/ tree.
func (s *Server) handleValidatorAccess(c *gin.Context) {
	req, _, err := bindCommitment(c, commitment.PurposeValidatorAccess)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx, cancel := deadline(c, s.cfg.ValidatorVerificationTimeout)
	defer cancel()

	authCtx, err := s.auth.Validate(ctx, req, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.checkRateLimit(c, ratelimit.ValidatorScope(authCtx.Hotkey), s.cfg.DailyLimitPerValidator); err != nil {
		writeError(c, err)
		return
	}

	url, err := s.minter.MintReadUrl(ctx, credential.ValidatorGlobalListPrefix(), s.cfg.MaxCredentialTTL, true)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url.URL, "expires_at": url.Expiry})
}

// handleMinerSpecificAccess implements POST /get-miner-specific-access: a
// validator's read credential scoped to one named miner's prefix.
func (s *Server) handleMinerSpecificAccess(c *gin.Context) {
	req, body, err := bindCommitment(c, commitment.PurposeValidatorAccess)
	if err != nil {
		writeError(c, err)
		return
	}
	target := body.MinerHotkey
	ctx, cancel := deadline(c, s.cfg.ValidatorVerificationTimeout)
	defer cancel()

	authCtx, err := s.auth.Validate(ctx, req, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	if target == "" {
		writeError(c, brokerrors.New(brokerrors.AuthMalformed, "miner_hotkey is required"))
		return
	}
	if _, err := keyid.Parse(target); err != nil {
		writeError(c, brokerrors.Wrap(brokerrors.AuthMalformed, "malformed miner_hotkey", err))
		return
	}
	if err := s.checkRateLimit(c, ratelimit.ValidatorScope(authCtx.Hotkey), s.cfg.DailyLimitPerValidator); err != nil {
		writeError(c, err)
		return
	}

	url, err := s.minter.MintReadUrl(ctx, credential.ValidatorPerMinerPrefix(target), s.cfg.MaxCredentialTTL, true)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url.URL, "expires_at": url.Expiry})
}

// handleValidatorUpload implements POST /api/v1/s3-access/validator-upload:
// C11, granting write access to a validator's own epoch-scoped upload
// prefix once that epoch has left the active state.
func (s *Server) handleValidatorUpload(c *gin.Context) {
	req, _, err := bindCommitment(c, commitment.PurposeValidatorUpload)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx, cancel := deadline(c, s.cfg.ValidatorVerificationTimeout)
	defer cancel()

	authCtx, err := s.auth.Validate(ctx, req, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	if req.EpochID == "" {
		writeError(c, brokerrors.New(brokerrors.AuthMalformed, "epoch_id is required"))
		return
	}
	if err := s.checkRateLimit(c, ratelimit.ValidatorScope(authCtx.Hotkey), s.cfg.DailyLimitPerValidator); err != nil {
		writeError(c, err)
		return
	}

	policy, err := s.uploads.GrantUpload(ctx, authCtx.Hotkey.String(), req.EpochID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": policy.URL, "fields": policy.Fields, "expires_at": policy.Expiry})
}

// handleZipcodeCurrent implements GET /api/v1/zipcode-assignments/current.
// Authentication is via the header form (spec.md §6): the body-based
// commitment.Request is assembled from X-Hotkey/X-Timestamp/X-Signature.
func (s *Server) handleZipcodeCurrent(c *gin.Context) {
	req, err := headerCommitment(c, commitment.PurposeZipcodeCurrent)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx, cancel := deadline(c, s.cfg.ValidatorVerificationTimeout)
	defer cancel()

	authCtx, err := s.auth.Validate(ctx, req, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.checkRateLimit(c, ratelimit.MinerScope(authCtx.Hotkey), s.cfg.DailyLimitPerMiner); err != nil {
		writeError(c, err)
		return
	}

	e, assignments, err := s.scheduler.Current(ctx, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epoch": e, "assignments": assignments})
}

func (s *Server) handleZipcodeHistorical(c *gin.Context) {
	id := c.Param("id")
	req, err := headerCommitment(c, commitment.PurposeZipcodeHistorical)
	if err != nil {
		writeError(c, err)
		return
	}
	req.EpochID = id
	ctx, cancel := deadline(c, s.cfg.ValidatorVerificationTimeout)
	defer cancel()

	authCtx, err := s.auth.Validate(ctx, req, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.checkRateLimit(c, ratelimit.ValidatorScope(authCtx.Hotkey), s.cfg.DailyLimitPerValidator); err != nil {
		writeError(c, err)
		return
	}

	e, assignments, err := s.scheduler.Historical(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epoch": e, "assignments": assignments})
}

// handleZipcodeStats implements GET /api/v1/zipcode-assignments/stats, an
// unauthenticated summary endpoint (spec.md §6: "public, no commitment
// required — contains no zipcode-level detail").
func (s *Server) handleZipcodeStats(c *gin.Context) {
	ctx, cancel := deadline(c, s.cfg.DBTimeout)
	defer cancel()
	stats, err := s.scheduler.Stats(ctx, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"stats": stats}
	if staleness, synced := s.chain.Staleness(); synced {
		resp["chain_snapshot_staleness_seconds"] = staleness.Seconds()
	} else {
		resp["chain_snapshot_staleness_seconds"] = nil
	}
	if grants, err := s.uploads.RecentUploads(ctx, recentUploadsLimit); err == nil {
		resp["recent_validator_uploads"] = grants
	} else {
		xlog.Warn("recent validator uploads unavailable", "err", err)
		resp["recent_validator_uploads"] = []validatorupload.Grant{}
	}
	c.JSON(http.StatusOK, resp)
}

// recentUploadsLimit bounds the recent_validator_uploads list on the public
// stats endpoint (spec.md §9).
const recentUploadsLimit = 20

// checkRateLimit enforces both the per-scope and the global daily limits,
// failing on whichever is exceeded first (spec.md §4.3: "global limit is
// checked independently of the per-key limit, both must pass").
func (s *Server) checkRateLimit(c *gin.Context, scope ratelimit.Scope, limit int64) error {
	ctx, cancel := deadline(c, s.cfg.DBTimeout)
	defer cancel()
	res, err := s.limiter.CheckAndIncrement(ctx, scope, limit)
	if err != nil {
		return err
	}
	if !res.OK {
		return brokerrors.New(brokerrors.RateExceeded, "daily limit exceeded for this key")
	}
	global, err := s.limiter.CheckAndIncrement(ctx, ratelimit.GlobalScope(), s.cfg.TotalDailyLimit)
	if err != nil {
		return err
	}
	if !global.OK {
		return brokerrors.New(brokerrors.RateExceeded, "global daily limit exceeded")
	}
	return nil
}

// headerCommitment assembles a commitment.Request from the header form used
// by GET endpoints, which carry no JSON body.
func headerCommitment(c *gin.Context, purpose commitment.Purpose) (commitment.Request, error) {
	tsStr := c.GetHeader("X-Timestamp")
	ts, err := commitment.ParseTimestamp(tsStr)
	if err != nil {
		return commitment.Request{}, brokerrors.Wrap(brokerrors.AuthMalformed, "malformed X-Timestamp header", err)
	}
	sig, err := hex.DecodeString(c.GetHeader("X-Signature"))
	if err != nil {
		return commitment.Request{}, brokerrors.Wrap(brokerrors.AuthMalformed, "X-Signature is not valid hex", err)
	}
	return commitment.Request{
		Purpose:   purpose,
		Hotkey:    c.GetHeader("X-Hotkey"),
		Timestamp: ts,
		Signature: sig,
	}, nil
}
