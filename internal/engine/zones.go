package engine

import (
	"github.com/apinto/fmc-rule-cleanup/internal/model"
)

// ZoneMatcher checks a rule's source/destination zones against the
// excluded-zone set. Matching is case-sensitive exact. The policy is
// opt-in: an empty excluded set never excludes anything.
type ZoneMatcher struct {
	excluded map[string]bool
	ordered  []string
}

func NewZoneMatcher(names []string) *ZoneMatcher {
	m := &ZoneMatcher{excluded: make(map[string]bool)}
	for _, name := range names {
		if !m.excluded[name] {
			m.excluded[name] = true
			m.ordered = append(m.ordered, name)
		}
	}
	return m
}

func (m *ZoneMatcher) Empty() bool {
	return len(m.ordered) == 0
}

// Match returns the matched excluded zone and which side of the rule
// matched. An empty zone list on a rule means "any zone" and matches
// every configured excluded zone.
func (m *ZoneMatcher) Match(r *model.Rule) (zone, side string, matched bool) {
	if m.Empty() {
		return "", "", false
	}
	if len(r.SrcZones) == 0 {
		return m.ordered[0], "source (any)", true
	}
	for _, z := range r.SrcZones {
		if m.excluded[z.Name] {
			return z.Name, "source", true
		}
	}
	if len(r.DstZones) == 0 {
		return m.ordered[0], "destination (any)", true
	}
	for _, z := range r.DstZones {
		if m.excluded[z.Name] {
			return z.Name, "destination", true
		}
	}
	return "", "", false
}
