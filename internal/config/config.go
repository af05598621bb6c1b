// Package config loads resibroker's configuration from the environment (and
// an optional TOML override file) into a validated, typed Config, the same
// env-first-with-file-override shape the teacher's cmd/gtos flags use, built
// here on top of spf13/viper (the config library the sibling tos-pool
// service uses) instead of re-deriving flag parsing by hand.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StatePriorities maps a two-letter state code to a priority rank; lower
// means higher selection priority (spec §4.8 W_state).
type StatePriorities map[string]int

// Config is the fully parsed, validated broker configuration.
type Config struct {
	NetUID    uint16
	BTNetwork string

	S3Bucket string
	S3Region string

	DailyLimitPerMiner     int64
	DailyLimitPerValidator int64
	TotalDailyLimit        int64
	EnableRateLimiting     bool

	ValidatorVerificationTimeout time.Duration
	SignatureVerificationTimeout time.Duration
	S3OperationTimeout           time.Duration
	DBTimeout                    time.Duration

	MetagraphSyncInterval time.Duration
	ChainMaxStale         time.Duration
	ChainFallbackEnabled   bool
	ValidatorMinStake      string // decimal string, parsed with shopspring/decimal at call sites

	TargetListings      int64
	TolerancePercent     float64
	MinZipcodeListings   int64
	MaxZipcodeListings   int64
	CooldownHours        int
	MaxDataAgeDays       int
	StatePriorities      StatePriorities
	PremiumWeight        float64
	StandardWeight       float64
	EmergingWeight       float64
	SelectionRandomness  float64 // alpha
	HoneypotProbability  float64
	HoneypotThreshold    int64

	ZipcodeSecretKey []byte

	DatabaseURL string
	RedisURL    string

	TimestampSkew      time.Duration
	MaxCredentialTTL   time.Duration
	UploadTTL          time.Duration

	HTTPAddr string
}

func defaults(v *viper.Viper) {
	v.SetDefault("DAILY_LIMIT_PER_MINER", 50)
	v.SetDefault("DAILY_LIMIT_PER_VALIDATOR", 200)
	v.SetDefault("TOTAL_DAILY_LIMIT", 100000)
	v.SetDefault("ENABLE_RATE_LIMITING", true)
	v.SetDefault("VALIDATOR_VERIFICATION_TIMEOUT", "30s")
	v.SetDefault("SIGNATURE_VERIFICATION_TIMEOUT", "60s")
	v.SetDefault("S3_OPERATION_TIMEOUT", "60s")
	v.SetDefault("DB_TIMEOUT", "10s")
	v.SetDefault("METAGRAPH_SYNC_INTERVAL", "60s")
	v.SetDefault("CHAIN_MAX_STALE", "10m")
	v.SetDefault("CHAIN_FALLBACK_ENABLED", false)
	v.SetDefault("VALIDATOR_MIN_STAKE", "0")
	v.SetDefault("TARGET_LISTINGS", 5000)
	v.SetDefault("TOLERANCE_PERCENT", 0.1)
	v.SetDefault("MIN_ZIPCODE_LISTINGS", 5)
	v.SetDefault("MAX_ZIPCODE_LISTINGS", 500)
	v.SetDefault("COOLDOWN_HOURS", 72)
	v.SetDefault("MAX_DATA_AGE_DAYS", 30)
	v.SetDefault("STATE_PRIORITIES", "")
	v.SetDefault("PREMIUM_WEIGHT", 2.0)
	v.SetDefault("STANDARD_WEIGHT", 1.0)
	v.SetDefault("EMERGING_WEIGHT", 0.5)
	v.SetDefault("SELECTION_RANDOMNESS", 0.3)
	v.SetDefault("HONEYPOT_PROBABILITY", 0.05)
	v.SetDefault("HONEYPOT_THRESHOLD", 5)
	v.SetDefault("TIMESTAMP_SKEW_SECONDS", 300)
	v.SetDefault("MAX_CREDENTIAL_TTL_SECONDS", 86400)
	v.SetDefault("UPLOAD_TTL_SECONDS", 14400)
	v.SetDefault("HTTP_ADDR", ":8080")
}

// Load reads configuration from the environment, optionally merging a TOML
// file named by RESIBROKER_CONFIG_FILE. Every key of spec.md §6 is bound.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if f := v.GetString("RESIBROKER_CONFIG_FILE"); f != "" {
		v.SetConfigFile(f)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", f, err)
		}
	}

	sp, err := parseStatePriorities(v.GetString("STATE_PRIORITIES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		NetUID:    uint16(v.GetUint32("NET_UID")),
		BTNetwork: v.GetString("BT_NETWORK"),

		S3Bucket: v.GetString("S3_BUCKET"),
		S3Region: v.GetString("S3_REGION"),

		DailyLimitPerMiner:     v.GetInt64("DAILY_LIMIT_PER_MINER"),
		DailyLimitPerValidator: v.GetInt64("DAILY_LIMIT_PER_VALIDATOR"),
		TotalDailyLimit:        v.GetInt64("TOTAL_DAILY_LIMIT"),
		EnableRateLimiting:     v.GetBool("ENABLE_RATE_LIMITING"),

		ValidatorVerificationTimeout: v.GetDuration("VALIDATOR_VERIFICATION_TIMEOUT"),
		SignatureVerificationTimeout: v.GetDuration("SIGNATURE_VERIFICATION_TIMEOUT"),
		S3OperationTimeout:           v.GetDuration("S3_OPERATION_TIMEOUT"),
		DBTimeout:                    v.GetDuration("DB_TIMEOUT"),

		MetagraphSyncInterval: v.GetDuration("METAGRAPH_SYNC_INTERVAL"),
		ChainMaxStale:         v.GetDuration("CHAIN_MAX_STALE"),
		ChainFallbackEnabled:  v.GetBool("CHAIN_FALLBACK_ENABLED"),
		ValidatorMinStake:     v.GetString("VALIDATOR_MIN_STAKE"),

		TargetListings:     v.GetInt64("TARGET_LISTINGS"),
		TolerancePercent:   v.GetFloat64("TOLERANCE_PERCENT"),
		MinZipcodeListings: v.GetInt64("MIN_ZIPCODE_LISTINGS"),
		MaxZipcodeListings: v.GetInt64("MAX_ZIPCODE_LISTINGS"),
		CooldownHours:      v.GetInt("COOLDOWN_HOURS"),
		MaxDataAgeDays:     v.GetInt("MAX_DATA_AGE_DAYS"),
		StatePriorities:    sp,
		PremiumWeight:      v.GetFloat64("PREMIUM_WEIGHT"),
		StandardWeight:     v.GetFloat64("STANDARD_WEIGHT"),
		EmergingWeight:     v.GetFloat64("EMERGING_WEIGHT"),
		SelectionRandomness: v.GetFloat64("SELECTION_RANDOMNESS"),
		HoneypotProbability: v.GetFloat64("HONEYPOT_PROBABILITY"),
		HoneypotThreshold:    v.GetInt64("HONEYPOT_THRESHOLD"),

		ZipcodeSecretKey: []byte(v.GetString("ZIPCODE_SECRET_KEY")),

		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),

		TimestampSkew:    time.Duration(v.GetInt64("TIMESTAMP_SKEW_SECONDS")) * time.Second,
		MaxCredentialTTL: time.Duration(v.GetInt64("MAX_CREDENTIAL_TTL_SECONDS")) * time.Second,
		UploadTTL:        time.Duration(v.GetInt64("UPLOAD_TTL_SECONDS")) * time.Second,

		HTTPAddr: v.GetString("HTTP_ADDR"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.S3Bucket == "" {
		return fmt.Errorf("config: S3_BUCKET is required")
	}
	if len(c.ZipcodeSecretKey) == 0 {
		return fmt.Errorf("config: ZIPCODE_SECRET_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required")
	}
	if c.TolerancePercent < 0 || c.TolerancePercent > 1 {
		return fmt.Errorf("config: TOLERANCE_PERCENT must be in [0,1]")
	}
	if c.SelectionRandomness < 0 || c.SelectionRandomness > 1 {
		return fmt.Errorf("config: SELECTION_RANDOMNESS must be in [0,1]")
	}
	if c.MaxCredentialTTL > 24*time.Hour {
		return fmt.Errorf("config: MAX_CREDENTIAL_TTL_SECONDS exceeds 24h ceiling")
	}
	return nil
}

func parseStatePriorities(raw string) (StatePriorities, error) {
	sp := StatePriorities{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sp, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("config: STATE_PRIORITIES malformed entry %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("config: STATE_PRIORITIES priority for %q: %w", kv[0], err)
		}
		sp[strings.ToUpper(strings.TrimSpace(kv[0]))] = n
	}
	return sp, nil
}

// Priority returns the configured priority for state, defaulting to a low
// priority (high number) when unconfigured so unlisted states never win ties
// against explicitly prioritized ones.
func (sp StatePriorities) Priority(state string) int {
	if n, ok := sp[strings.ToUpper(state)]; ok {
		return n
	}
	return 1 << 16
}
