package proxy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ConditionKind discriminates RoutingCondition's variants.
type ConditionKind string

const (
	ConditionTokenCount   ConditionKind = "token_count"
	ConditionHasTools     ConditionKind = "has_tools"
	ConditionThinkingMode ConditionKind = "thinking_mode"
	ConditionAlways       ConditionKind = "always"
)

// RoutingCondition is the parsed form of a ProfileProxyConfig routing
// rule's Condition string, per spec 8 scenario 2.
type RoutingCondition struct {
	Kind     ConditionKind
	Min      *int64 // TokenCount.min, HasTools.min_count
	Max      *int64 // TokenCount.max
}

var tokenCountPattern = regexp.MustCompile(`^tokens\s*(>=|>|<=|<)\s*(\d+)$`)
var hasToolsPattern = regexp.MustCompile(`^tools\s*(>=|>|<=|<)\s*(\d+)$`)

// ParseCondition parses a routing condition expression. Unrecognized
// input returns an error (spec 8 scenario 2's "garbage strings yield
// none").
func ParseCondition(expr string) (*RoutingCondition, error) {
	s := strings.TrimSpace(expr)

	switch s {
	case "always":
		return &RoutingCondition{Kind: ConditionAlways}, nil
	case "thinking":
		return &RoutingCondition{Kind: ConditionThinkingMode}, nil
	}

	if m := tokenCountPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid routing condition %q: %w", expr, err)
		}
		return tokenCountFromComparison(m[1], n), nil
	}

	if m := hasToolsPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid routing condition %q: %w", expr, err)
		}
		return hasToolsFromComparison(m[1], n), nil
	}

	return nil, fmt.Errorf("unrecognized routing condition: %q", expr)
}

// tokenCountFromComparison maps a comparison operator to {min, max}: "> n"
// and ">= n" both set a lower bound of n, "<" and "<=" both set an upper
// bound of n.
func tokenCountFromComparison(op string, n int64) *RoutingCondition {
	c := &RoutingCondition{Kind: ConditionTokenCount}
	switch op {
	case ">":
		v := n
		c.Min = &v
	case ">=":
		v := n
		c.Min = &v
	case "<":
		v := n
		c.Max = &v
	case "<=":
		v := n
		c.Max = &v
	}
	return c
}

func hasToolsFromComparison(op string, n int64) *RoutingCondition {
	c := &RoutingCondition{Kind: ConditionHasTools}
	v := n
	c.Min = &v
	return c
}
