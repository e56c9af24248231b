package main

import (
	"testing"
	"time"

	"github.com/hubertat/stepkit"
)

func TestStepperConfigDelays(t *testing.T) {
	*stepDelay = 0
	*settleDelay = 0
	*polarity = "ptype"
	*nibble = 2

	cfg, err := stepperConfig(map[string]bool{})
	if err != nil {
		t.Fatalf("stepperConfig returned err: %v", err)
	}
	defaults := stepkit.DefaultStepperConfig(2)
	if cfg.StepDelay != defaults.StepDelay || cfg.SettleDelay != defaults.SettleDelay {
		t.Errorf("got delays %s/%s want defaults %s/%s", cfg.StepDelay, cfg.SettleDelay, defaults.StepDelay, defaults.SettleDelay)
	}
	if cfg.Polarity != stepkit.PolarityPType || cfg.Nibble != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	cfg, err = stepperConfig(map[string]bool{"step-delay": true, "settle-delay": true})
	if err != nil {
		t.Fatalf("stepperConfig returned err: %v", err)
	}
	if cfg.StepDelay != 0 || cfg.SettleDelay != 0 {
		t.Errorf("got delays %s/%s want explicit zero", cfg.StepDelay, cfg.SettleDelay)
	}

	*settleDelay = 5 * time.Millisecond
	cfg, _ = stepperConfig(map[string]bool{"settle-delay": true})
	if cfg.SettleDelay != 5*time.Millisecond || cfg.StepDelay != defaults.StepDelay {
		t.Errorf("unexpected delays %s/%s", cfg.StepDelay, cfg.SettleDelay)
	}

	*polarity = "qtype"
	if _, err = stepperConfig(nil); err == nil {
		t.Error("expected error for unknown polarity")
	}
	*polarity = "ntype"
}
