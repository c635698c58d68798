package main

import (
	"io"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()
	t.Setenv("EPOS2_BACKEND", "slcan")
	t.Setenv("EPOS2_BAUD", "230400")
	t.Setenv("EPOS2_NODE_ID", "3")
	t.Setenv("EPOS2_SETTLE_DELAY", "250ms")
	t.Setenv("EPOS2_PROBE_ON_ENABLE", "off")
	t.Setenv("EPOS2_MDNS_ENABLE", "true")
	t.Setenv("EPOS2_MAX_CYCLE_RATE", "12.5")
	t.Setenv("EPOS2_TARGET_CHANNEL", "/cmd")
	t.Setenv("EPOS2_REDIS_PASSWORD", "")

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if base.backend != "slcan" || base.baud != 230400 || base.nodeID != 3 {
		t.Fatalf("transport overrides not applied: %+v", base)
	}
	if base.settleDelay != 250*time.Millisecond || base.probeOnEnable {
		t.Fatalf("controller overrides not applied: %+v", base)
	}
	if !base.mdnsEnable || base.maxCycleRate != 12.5 || base.targetChannel != "/cmd" {
		t.Fatalf("misc overrides not applied: %+v", base)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validConfig()
	base.baud = 9600
	t.Setenv("EPOS2_BAUD", "230400")
	t.Setenv("EPOS2_CAN_IF", "vcan0")
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if base.baud != 9600 {
		t.Fatalf("flag should win, got %d", base.baud)
	}
	if base.canIf != "vcan0" {
		t.Fatalf("env should apply to unset flag, got %s", base.canIf)
	}
}

func TestApplyEnvOverrides_Invalid(t *testing.T) {
	for key, val := range map[string]string{
		"EPOS2_BAUD":             "fast",
		"EPOS2_READ_TIMEOUT":     "soon",
		"EPOS2_INIT_ATTEMPTS":    "0",
		"EPOS2_PROBE_ON_ENABLE":  "maybe",
		"EPOS2_MAX_CYCLE_RATE":   "-1",
		"EPOS2_TELEMETRY_BUFFER": "x",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if err := applyEnvOverrides(validConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("%s=%s: expected error", key, val)
			}
		})
	}
}

func TestParseFlagsEnvAndFlags(t *testing.T) {
	t.Setenv("EPOS2_CAN_IF", "vcan1")
	t.Setenv("EPOS2_READ_TIMEOUT", "1s")
	cfg, _, err := parseFlags([]string{"--read-timeout", "20ms"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.canIf != "vcan1" || cfg.readTimeout != 20*time.Millisecond {
		t.Fatalf("got can-if=%s read-timeout=%s", cfg.canIf, cfg.readTimeout)
	}
}
