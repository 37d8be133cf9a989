package circuitbreaker

import (
	"time"

	"github.com/angeloszaimis/llm-gateway/internal/faults"
)

// Policy selects how failures trip the breaker.
type Policy string

const (
	PolicyConsecutive Policy = "consecutive"
	PolicyRatio       Policy = "ratio"
)

// Settings configures every breaker a Registry creates.
type Settings struct {
	Policy Policy

	// FailureThreshold trips the consecutive policy.
	FailureThreshold int

	// FailureRatio, WindowSize and MinCalls drive the ratio policy: the breaker
	// opens once at least MinCalls of the last WindowSize outcomes are recorded
	// and the failing share reaches FailureRatio.
	FailureRatio float64
	WindowSize   int
	MinCalls     int

	// Cooldown is the OPEN period before probing. Each failed probe multiplies
	// it by CooldownMultiplier, capped at MaxCooldown.
	Cooldown           time.Duration
	MaxCooldown        time.Duration
	CooldownMultiplier float64

	HalfOpenProbes int

	// IsFailure decides whether an error counts against the target.
	IsFailure func(error) bool
}

func DefaultSettings() Settings {
	return Settings{
		Policy:             PolicyConsecutive,
		FailureThreshold:   5,
		FailureRatio:       0.5,
		WindowSize:         20,
		MinCalls:           10,
		Cooldown:           30 * time.Second,
		MaxCooldown:        5 * time.Minute,
		CooldownMultiplier: 2,
		HalfOpenProbes:     1,
		IsFailure:          faults.IsCircuitFailure,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()

	if s.Policy == "" {
		s.Policy = def.Policy
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = def.FailureRatio
	}
	if s.WindowSize <= 0 {
		s.WindowSize = def.WindowSize
	}
	if s.MinCalls <= 0 || s.MinCalls > s.WindowSize {
		s.MinCalls = s.WindowSize
	}
	if s.Cooldown <= 0 {
		s.Cooldown = def.Cooldown
	}
	if s.MaxCooldown < s.Cooldown {
		s.MaxCooldown = s.Cooldown
	}
	if s.CooldownMultiplier < 1 {
		s.CooldownMultiplier = 1
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = def.HalfOpenProbes
	}
	if s.IsFailure == nil {
		s.IsFailure = def.IsFailure
	}
	return s
}

func (s Settings) backoffCooldown(reopens int) time.Duration {
	cooldown := float64(s.Cooldown)
	for i := 0; i < reopens; i++ {
		cooldown *= s.CooldownMultiplier
		if cooldown >= float64(s.MaxCooldown) {
			return s.MaxCooldown
		}
	}
	return time.Duration(cooldown)
}
