package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/gov-dx-sandbox/credential-broker/v1/models"
)

// evaluateAllowList allows the request iff the target field's value matches
// any allowed pattern. A missing field denies.
func (e *Engine) evaluateAllowList(req Request, p models.Policy) (bool, string, error) {
	var cfg models.AllowListConfig
	if err := p.DecodeConfig(&cfg); err != nil {
		return false, "", err
	}
	if cfg.TargetField == "" || len(cfg.AllowedValues) == 0 {
		return false, "", fmt.Errorf("allow list policy requires targetField and allowedValues")
	}

	value, ok := extractField(req.contextMap(), cfg.TargetField)
	if !ok {
		return false, fmt.Sprintf("field %q not present in request, denied by policy %q", cfg.TargetField, p.Name), nil
	}

	matched, err := matchesAny(value, cfg.AllowedValues)
	if err != nil {
		return false, "", err
	}
	if !matched {
		return false, fmt.Sprintf("value %q for field %q is not in the allow list of policy %q", value, cfg.TargetField, p.Name), nil
	}
	return true, "", nil
}

// evaluateDenyList denies the request iff the target field's value matches
// any denied pattern. A missing field allows: there is nothing to deny
// against.
func (e *Engine) evaluateDenyList(req Request, p models.Policy) (bool, string, error) {
	var cfg models.DenyListConfig
	if err := p.DecodeConfig(&cfg); err != nil {
		return false, "", err
	}
	if cfg.TargetField == "" || len(cfg.DeniedValues) == 0 {
		return false, "", fmt.Errorf("deny list policy requires targetField and deniedValues")
	}

	value, ok := extractField(req.contextMap(), cfg.TargetField)
	if !ok {
		return true, "", nil
	}

	matched, err := matchesAny(value, cfg.DeniedValues)
	if err != nil {
		return false, "", err
	}
	if matched {
		return false, fmt.Sprintf("value %q for field %q is denied by policy %q", value, cfg.TargetField, p.Name), nil
	}
	return true, "", nil
}

// evaluateTimeBased checks the current day-of-week and minute-of-day in the
// policy's timezone. Hour bounds are inclusive on both ends.
func (e *Engine) evaluateTimeBased(p models.Policy) (bool, string, error) {
	var cfg models.TimeBasedConfig
	if err := p.DecodeConfig(&cfg); err != nil {
		return false, "", err
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return false, "", fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}
	now := e.now().In(loc)

	if len(cfg.AllowedDays) > 0 && !dayAllowed(now.Weekday(), cfg.AllowedDays) {
		return false, fmt.Sprintf("requests are not allowed on %s by policy %q", now.Weekday(), p.Name), nil
	}

	if cfg.AllowedHoursStart != "" || cfg.AllowedHoursEnd != "" {
		start, err := parseMinuteOfDay(cfg.AllowedHoursStart, 0)
		if err != nil {
			return false, "", err
		}
		end, err := parseMinuteOfDay(cfg.AllowedHoursEnd, 24*60-1)
		if err != nil {
			return false, "", err
		}
		minute := now.Hour()*60 + now.Minute()
		if minute < start || minute > end {
			return false, fmt.Sprintf("requests at %02d:%02d are outside the allowed hours of policy %q", now.Hour(), now.Minute(), p.Name), nil
		}
	}

	return true, "", nil
}

// evaluateCountBased increments the windowed usage counter for the
// (credential, policy, window) tuple and denies once the limit is exceeded.
// The increment is atomic in the counter backend; see UsageCounter.
func (e *Engine) evaluateCountBased(ctx context.Context, req Request, p models.Policy) (bool, string, error) {
	var cfg models.CountBasedConfig
	if err := p.DecodeConfig(&cfg); err != nil {
		return false, "", err
	}
	if cfg.MaxRequests <= 0 || cfg.TimeWindowSeconds <= 0 {
		return false, "", fmt.Errorf("count based policy requires positive maxRequests and timeWindowSeconds")
	}

	window := time.Duration(cfg.TimeWindowSeconds) * time.Second
	bucket := e.now().Unix() / int64(cfg.TimeWindowSeconds)
	key := fmt.Sprintf("usage:%s:%s:%d", req.CredentialID, p.ID.String(), bucket)

	count, err := e.counter.Increment(ctx, key, window)
	if err != nil {
		return false, "", fmt.Errorf("usage counter unavailable: %w", err)
	}
	if count > int64(cfg.MaxRequests) {
		return false, fmt.Sprintf("credential exceeded %d requests per %ds allowed by policy %q", cfg.MaxRequests, cfg.TimeWindowSeconds, p.Name), nil
	}
	return true, "", nil
}

// evaluateManualApproval reports whether the gate is satisfied for this
// request. An empty approver list is a configuration error and fails closed.
func (e *Engine) evaluateManualApproval(ctx context.Context, req Request, p models.Policy) (bool, error) {
	var cfg models.ManualApprovalConfig
	if err := p.DecodeConfig(&cfg); err != nil {
		return false, err
	}
	if len(cfg.Approvers) == 0 {
		return false, fmt.Errorf("manual approval policy requires a non-empty approvers list")
	}

	approved, err := e.approvals.IsApproved(ctx, req.RequestID)
	if err != nil {
		return false, fmt.Errorf("approval lookup failed: %w", err)
	}
	return approved, nil
}

// extractField walks a dot-path through nested maps and renders the leaf as
// a string. Returns false when any segment is missing.
func extractField(contextMap map[string]interface{}, path string) (string, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = contextMap
	for _, segment := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current, ok = m[segment]
		if !ok {
			return "", false
		}
	}

	switch v := current.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// matchesAny reports whether value matches any pattern. A '*' in a pattern
// matches any substring (glob semantics, not regex).
func matchesAny(value string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if g.Match(value) {
			return true, nil
		}
	}
	return false, nil
}

// dayAllowed accepts full weekday names or three-letter abbreviations,
// case-insensitive.
func dayAllowed(day time.Weekday, allowed []string) bool {
	name := strings.ToLower(day.String())
	for _, entry := range allowed {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == name || (len(e) == 3 && e == name[:3]) {
			return true
		}
	}
	return false
}

// parseMinuteOfDay parses "HH:MM" into minutes since midnight.
func parseMinuteOfDay(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour*60 + minute, nil
}
