package entitlement

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrLimitExceeded matches every *LimitExceededError via errors.Is.
	ErrLimitExceeded = errors.New("limit_exceeded")
	ErrInvalidAction = errors.New("invalid_action")
)

// LimitExceededError rejects a request and carries what the caller needs to remediate.
type LimitExceededError struct {
	Metric      string   `json:"metric"`
	Current     int64    `json:"current_usage"`
	Limit       float64  `json:"limit"`
	Requested   int64    `json:"requested"`
	Remaining   int64    `json:"remaining"`
	UpgradeURL  string   `json:"upgrade_url,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit exceeded for %s: %d of %s used, requested %d",
		e.Metric, e.Current, strconv.FormatFloat(e.Limit, 'f', -1, 64), e.Requested)
}

func (e *LimitExceededError) Unwrap() error {
	return ErrLimitExceeded
}

// Payload is the JSON body returned with 402 Payment Required.
func (e *LimitExceededError) Payload() map[string]any {
	payload := map[string]any{
		"type":          "limit_exceeded",
		"message":       e.Error(),
		"metric":        e.Metric,
		"current_usage": e.Current,
		"limit":         e.Limit,
		"requested":     e.Requested,
		"remaining":     e.Remaining,
	}
	if e.UpgradeURL != "" {
		payload["upgrade_url"] = e.UpgradeURL
	}
	if len(e.Suggestions) > 0 {
		payload["suggestions"] = e.Suggestions
	}
	return payload
}
