package domain

import (
	"fmt"
	"strings"
)

// Target names the backend(s) a change or push applies to.
type Target string

const (
	TargetPortfolio  Target = "portfolio"
	TargetEnrichment Target = "enrichment"
	TargetBoth       Target = "both"
)

// ParseTarget accepts the canonical names plus the short aliases used by the REST routes.
func ParseTarget(raw string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "portfolio", "d1cv", "d1":
		return TargetPortfolio, nil
	case "enrichment", "ai", "ai-agent":
		return TargetEnrichment, nil
	case "both", "all":
		return TargetBoth, nil
	}
	return "", fmt.Errorf("%w: unknown target %q", ErrInvalidArgument, raw)
}

func (t Target) Valid() bool {
	return t == TargetPortfolio || t == TargetEnrichment || t == TargetBoth
}

// IncludesPortfolio reports whether the portfolio backend is part of t.
func (t Target) IncludesPortfolio() bool {
	return t == TargetPortfolio || t == TargetBoth
}

// IncludesEnrichment reports whether the enrichment backend is part of t.
func (t Target) IncludesEnrichment() bool {
	return t == TargetEnrichment || t == TargetBoth
}

// Union combines two targets. The zero value acts as the identity.
func (t Target) Union(other Target) Target {
	if t == "" {
		return other
	}
	if other == "" || t == other {
		return t
	}
	return TargetBoth
}

// TargetFromLegs builds a target from the two leg flags. It returns "" when neither is set.
func TargetFromLegs(portfolio, enrichment bool) Target {
	switch {
	case portfolio && enrichment:
		return TargetBoth
	case portfolio:
		return TargetPortfolio
	case enrichment:
		return TargetEnrichment
	}
	return ""
}
