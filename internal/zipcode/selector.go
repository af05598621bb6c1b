package zipcode

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/rand/v2"
	"sort"
	"time"
)

// Weights bundles the tier/state/cooldown weighting inputs of spec.md §4.8.
type Weights struct {
	Tier     map[MarketTier]float64
	State    func(state string) int // lower means higher priority
	Cooldown func(lastAssigned, now time.Time) float64
}

// SelectorParams are the pure inputs to Select (spec.md §4.8).
type SelectorParams struct {
	Eligible     []MasterRow
	HoneypotPool []MasterRow // disjoint low-activity pool, expected < MIN_ZIP
	Target       int64
	Tolerance    float64 // τ
	Weights      Weights
	Alpha        float64 // α ∈ [0,1]
	HoneypotP    float64 // p_h
	Secret       []byte
	EpochID      string
	Now          time.Time
	StartTS      time.Time
}

// SelectionResult is the pure output of Select.
type SelectionResult struct {
	Assignments []Assignment
	Nonce       string
	Seed        uint64
	Degraded    bool
}

// Seed computes seed = first_u64(HMAC-SHA256(K, e || date(now))), the
// deterministic-but-unpredictable per-epoch seed of spec.md §4.8.
func Seed(secret []byte, epochID string, now time.Time) uint64 {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(epochID))
	mac.Write([]byte(now.UTC().Format("2006-01-02")))
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Nonce computes nonce = hex(HMAC-SHA256(K, e || start_ts ||
// sorted_hash(selected_zipcodes))[:16]) (spec.md §4.8).
func Nonce(secret []byte, epochID string, startTS time.Time, selected []string) string {
	sorted := append([]string(nil), selected...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, z := range sorted {
		h.Write([]byte(z))
		h.Write([]byte{0})
	}
	sortedHash := h.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(epochID))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(startTS.Unix()))
	mac.Write(tsBuf[:])
	mac.Write(sortedHash)
	full := mac.Sum(nil)
	return hex.EncodeToString(full[:16])
}

func weight(row MasterRow, w Weights, now time.Time) float64 {
	tierW := w.Tier[row.MarketTier]
	if tierW == 0 {
		tierW = 1
	}
	stateW := float64(w.State(row.State))
	if stateW <= 0 {
		stateW = 1
	}
	cf := 1.0
	if w.Cooldown != nil {
		cf = w.Cooldown(row.LastAssignedTS, now)
	}
	return float64(row.ExpectedListings) * tierW / stateW * cf
}

// candidate pairs a master row with its precomputed selection weight.
type candidate struct {
	row MasterRow
	w   float64
}

// Select runs the deterministic weighted sampler of spec.md §4.8. It is pure
// given its inputs: same (Eligible, Secret, EpochID, Now/date, Target, τ,
// weights, α, p_h) always yields the same assignment set and nonce
// (scenario S5; testable property 7, "Nonce determinism"; property 8
// "Selection budget").
func Select(p SelectorParams) SelectionResult {
	seed := Seed(p.Secret, p.EpochID, p.Now)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	cands := make([]candidate, 0, len(p.Eligible))
	for _, row := range p.Eligible {
		cands = append(cands, candidate{row: row, w: weight(row, p.Weights, p.Now)})
	}
	// Deterministic tie-break: lexicographic on zipcode, applied as the
	// base ordering before weighted draws so equal-key draws resolve
	// reproducibly.
	sort.Slice(cands, func(i, j int) bool { return cands[i].row.Zipcode < cands[j].row.Zipcode })

	targetLow := float64(p.Target) * (1 - p.Tolerance)
	targetHigh := float64(p.Target) * (1 + p.Tolerance)

	var (
		selected []candidate
		sum      float64
	)
	remaining := cands

	for len(remaining) > 0 {
		idx := drawWeightedIndex(rng, remaining, p.Alpha)
		picked := remaining[idx]
		nextSize := float64(picked.row.ExpectedListings)

		// Early-stop rule (spec.md §4.8): stop without consuming the draw if
		// adding it would overshoot the high bound by more than the single
		// smallest remaining candidate (the best-case alternative draw).
		minRemaining := smallestListingsExcluding(remaining, idx)
		if overshoot := sum + nextSize - targetHigh; overshoot > minRemaining {
			break
		}

		remaining = append(remaining[:idx], remaining[idx+1:]...)
		selected = append(selected, picked)
		sum += nextSize

		// Drawing stops as soon as the low bound of the budget is reached.
		if sum >= targetLow {
			break
		}
	}

	degraded := sum < targetLow || sum > targetHigh

	assignments := make([]Assignment, 0, len(selected)+1)
	zipcodes := make([]string, 0, len(selected)+1)
	for _, c := range selected {
		assignments = append(assignments, Assignment{
			Zipcode:          c.row.Zipcode,
			ExpectedListings: c.row.ExpectedListings,
			State:            c.row.State,
			City:             c.row.City,
			County:           c.row.County,
			MarketTier:       c.row.MarketTier,
			SelectionWeight:  c.w,
			IsHoneypot:       false,
		})
		zipcodes = append(zipcodes, c.row.Zipcode)
	}

	if len(p.HoneypotPool) > 0 && rng.Float64() < p.HoneypotP {
		hIdx := rng.IntN(len(p.HoneypotPool))
		h := p.HoneypotPool[hIdx]
		assignments = append(assignments, Assignment{
			Zipcode:          h.Zipcode,
			ExpectedListings: h.ExpectedListings,
			State:            h.State,
			City:             h.City,
			County:           h.County,
			MarketTier:       h.MarketTier,
			IsHoneypot:       true,
		})
		zipcodes = append(zipcodes, h.Zipcode)
	}

	nonce := Nonce(p.Secret, p.EpochID, p.StartTS, zipcodes)

	return SelectionResult{Assignments: assignments, Nonce: nonce, Seed: seed, Degraded: degraded}
}

// smallestListingsExcluding returns the smallest ExpectedListings among
// cands, ignoring the entry at skip (the candidate already drawn this
// iteration). Returns 0 if no other candidates remain.
func smallestListingsExcluding(cands []candidate, skip int) float64 {
	min := -1.0
	for i, c := range cands {
		if i == skip {
			continue
		}
		if v := float64(c.row.ExpectedListings); min < 0 || v < min {
			min = v
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// drawWeightedIndex draws without replacement by weight w^(1-α)·U^α, where
// U is a fresh uniform draw per candidate (spec.md §4.8 sampling rule): α
// interpolates weighted-by-expected-listings (α=0) toward uniform (α=1).
func drawWeightedIndex(rng *rand.Rand, cands []candidate, alpha float64) int {
	best := -1
	bestKey := -1.0
	for i, c := range cands {
		u := rng.Float64()
		if u <= 0 {
			u = 1e-12
		}
		w := c.w
		if w <= 0 {
			w = 1e-9
		}
		key := math.Pow(w, 1-alpha) * math.Pow(u, alpha)
		if key > bestKey {
			bestKey = key
			best = i
		}
	}
	return best
}
