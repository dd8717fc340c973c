package health

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Runbook attaches remediation hints to unhealthy components.
type Runbook struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule maps a failing component to recommendations.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch lists optional match attributes; empty attributes match anything.
type RuleMatch struct {
	Component     string   `yaml:"component"`
	ErrorContains []string `yaml:"error_contains"`
}

// RunbookFile is the YAML root structure.
type RunbookFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRunbook reads rules from path. An empty path or a missing file yields
// a nil runbook, which recommends nothing.
func LoadRunbook(path string, logger *slog.Logger) (*Runbook, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runbook: %w", err)
	}
	var file RunbookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse runbook: %w", err)
	}
	return NewRunbook(file.Rules, logger), nil
}

// NewRunbook builds a runbook from in-memory rules.
func NewRunbook(rules []Rule, logger *slog.Logger) *Runbook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runbook{rules: rules, logger: logger}
}

// Recommend returns the deduplicated hints of every rule matching the
// component and its last error.
func (r *Runbook) Recommend(component, lastError string) []string {
	if r == nil {
		return nil
	}
	matched := make([]string, 0)
	for _, rule := range r.rules {
		if rule.Match.Component != "" && !strings.EqualFold(rule.Match.Component, component) {
			continue
		}
		if len(rule.Match.ErrorContains) > 0 && !containsAny(lastError, rule.Match.ErrorContains) {
			continue
		}
		r.logger.Debug("runbook rule matched", slog.String("rule", rule.ID), slog.String("component", component))
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func containsAny(text string, keywords []string) bool {
	text = strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
