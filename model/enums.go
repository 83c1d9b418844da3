package model

import (
	"fmt"
	"strings"
)

// DeliveryMode selects which outputs a run produces.
type DeliveryMode string

const (
	DeliveryMarkdown DeliveryMode = "markdown"
	DeliveryEmail    DeliveryMode = "email"
	DeliveryBoth     DeliveryMode = "both"
)

// ParseDeliveryMode parses a configured delivery mode. Empty means markdown.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch DeliveryMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", DeliveryMarkdown:
		return DeliveryMarkdown, nil
	case DeliveryEmail:
		return DeliveryEmail, nil
	case DeliveryBoth:
		return DeliveryBoth, nil
	default:
		return "", fmt.Errorf("invalid delivery mode: %s (expected markdown, email, or both)", s)
	}
}

// WantsMarkdown returns true when the mode writes a Markdown file.
func (m DeliveryMode) WantsMarkdown() bool {
	return m == DeliveryMarkdown || m == DeliveryBoth
}

// WantsEmail returns true when the mode sends an email.
func (m DeliveryMode) WantsEmail() bool {
	return m == DeliveryEmail || m == DeliveryBoth
}

// UndatedPolicy decides what happens to entries without a usable timestamp.
type UndatedPolicy string

const (
	// UndatedDrop excludes undated entries.
	UndatedDrop UndatedPolicy = "drop"
	// UndatedNow treats undated entries as published at fetch time.
	UndatedNow UndatedPolicy = "now"
)

// ParseUndatedPolicy parses a configured policy. Empty means drop.
func ParseUndatedPolicy(s string) (UndatedPolicy, error) {
	switch UndatedPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", UndatedDrop:
		return UndatedDrop, nil
	case UndatedNow:
		return UndatedNow, nil
	default:
		return "", fmt.Errorf("invalid undated policy: %s (expected drop or now)", s)
	}
}
