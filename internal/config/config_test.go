package config

import "testing"

func TestParseStatePriorities(t *testing.T) {
	sp, err := parseStatePriorities("NY:1, CA:2 ,tx:3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sp.Priority("NY") != 1 || sp.Priority("CA") != 2 || sp.Priority("TX") != 3 {
		t.Fatalf("unexpected priorities: %+v", sp)
	}
	if sp.Priority("ZZ") != 1<<16 {
		t.Fatalf("unconfigured state should default to the low-priority sentinel, got %d", sp.Priority("ZZ"))
	}
}

func TestParseStatePrioritiesEmpty(t *testing.T) {
	sp, err := parseStatePriorities("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sp) != 0 {
		t.Fatalf("expected empty map, got %+v", sp)
	}
}

func TestParseStatePrioritiesMalformed(t *testing.T) {
	if _, err := parseStatePriorities("NY"); err == nil {
		t.Fatal("expected an error for a malformed entry")
	}
	if _, err := parseStatePriorities("NY:abc"); err == nil {
		t.Fatal("expected an error for a non-integer priority")
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cfg := &Config{}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validation error for empty config")
	}
}

func TestValidateRejectsOutOfRangeTolerance(t *testing.T) {
	cfg := &Config{
		S3Bucket: "b", ZipcodeSecretKey: []byte("k"), DatabaseURL: "d", RedisURL: "r",
		TolerancePercent: 1.5, SelectionRandomness: 0.3,
	}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validation error for tolerance_percent out of [0,1]")
	}
}
