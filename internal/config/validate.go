package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"audioguard/internal/domain"
	"audioguard/internal/logging"
)

// Normalize fills empty fields, rejects invalid values and returns a safe copy.
func Normalize(cfg Config) (Config, error) {
	mic := &cfg.Microphone
	if err := domain.CheckPercent(mic.TargetVolume); err != nil {
		return cfg, fmt.Errorf("microphone.target_volume must be between 0 and 100")
	}
	if mic.SmallHysteresis < 0 || math.IsNaN(mic.SmallHysteresis) {
		return cfg, fmt.Errorf("microphone.small_hysteresis must be >= 0")
	}
	if mic.Hysteresis < mic.SmallHysteresis || math.IsNaN(mic.Hysteresis) {
		return cfg, fmt.Errorf("microphone.hysteresis must be >= small_hysteresis")
	}
	if mic.Hysteresis > 100 {
		return cfg, fmt.Errorf("microphone.hysteresis must be <= 100")
	}
	if d := mic.AdjustDelay.Duration(); d < 0 || d > time.Hour {
		return cfg, fmt.Errorf("microphone.adjust_delay must be between 0s and 1h")
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return cfg, fmt.Errorf("log.level: %w", err)
	}

	cfg.Backend.Kind = strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
	switch cfg.Backend.Kind {
	case "":
		cfg.Backend.Kind = BackendSimulator
	case BackendSimulator, BackendAppleScript, BackendNone:
	default:
		return cfg, fmt.Errorf("backend.kind %q must be one of %s, %s, %s", cfg.Backend.Kind, BackendSimulator, BackendAppleScript, BackendNone)
	}

	var policies []PolicyConfig
	seen := make(map[string]bool)
	for i, p := range cfg.Policies {
		p.Process = strings.TrimSpace(p.Process)
		if p.Process == "" {
			return cfg, fmt.Errorf("policy[%d]: process is required", i)
		}
		key := strings.ToLower(p.Process)
		if seen[key] {
			return cfg, fmt.Errorf("policy[%d]: duplicate process %q", i, p.Process)
		}
		seen[key] = true
		strategy, err := domain.ParseStrategy(p.Strategy)
		if err != nil {
			return cfg, fmt.Errorf("policy[%d]: %w", i, err)
		}
		p.Strategy = strategy.String()
		if err := domain.CheckPercent(p.Volume); err != nil {
			return cfg, fmt.Errorf("policy[%d]: volume must be between 0 and 100", i)
		}
		policies = append(policies, p)
	}
	cfg.Policies = policies
	return cfg, nil
}
