package config

import (
	"github.com/angeloszaimis/llm-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/llm-gateway/internal/protection"
	"github.com/angeloszaimis/llm-gateway/internal/ratelimit"
	"github.com/angeloszaimis/llm-gateway/internal/retry"
)

func (cc CircuitBreakerConfig) Settings() circuitbreaker.Settings {
	settings := circuitbreaker.DefaultSettings()
	settings.Policy = circuitbreaker.Policy(cc.Policy)
	settings.FailureThreshold = cc.FailureThreshold
	settings.FailureRatio = cc.FailureRatio
	settings.WindowSize = cc.WindowSize
	settings.MinCalls = cc.MinCalls
	settings.Cooldown = cc.Cooldown
	settings.MaxCooldown = cc.MaxCooldown
	settings.CooldownMultiplier = cc.CooldownMultiplier
	settings.HalfOpenProbes = cc.HalfOpenProbes
	return settings
}

func (cc CircuitBreakerConfig) AccountingMode() protection.Accounting {
	if cc.Accounting == string(protection.AccountPerAttempt) {
		return protection.AccountPerAttempt
	}
	return protection.AccountPerCall
}

// LimitRules converts the configured rules. Zero-valued rules are kept so a reload
// can disable a dimension.
func (rc RateLimitConfig) LimitRules() map[ratelimit.Dimension]ratelimit.Rule {
	rules := make(map[ratelimit.Dimension]ratelimit.Rule, len(rc.Rules))
	for dimension, rule := range rc.Rules {
		rules[ratelimit.Dimension(dimension)] = ratelimit.Rule{MaxRequests: rule.MaxRequests, Window: rule.Window}
	}
	return rules
}

func (rc RateLimitConfig) Mode() ratelimit.FailureMode {
	if rc.FailureMode == "closed" {
		return ratelimit.FailClosed
	}
	return ratelimit.FailOpen
}

func (rc RetryConfig) Policy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = rc.MaxAttempts
	policy.BaseDelay = rc.BaseDelay
	policy.MaxDelay = rc.MaxDelay
	policy.JitterFactor = rc.JitterFactor
	policy.AttemptTimeout = rc.AttemptTimeout
	return policy
}

// AgentRoutes maps agent IDs to provider names.
func (c *Config) AgentRoutes() map[string]string {
	routes := make(map[string]string, len(c.Agents))
	for _, agent := range c.Agents {
		routes[agent.ID] = agent.Provider
	}
	return routes
}
