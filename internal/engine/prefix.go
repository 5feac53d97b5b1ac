package engine

import (
	"github.com/apinto/fmc-rule-cleanup/internal/netrange"
)

type MatchMode string

const (
	// ModeOverlap excludes on any intersection, including supersets
	// of the excluded prefix and the universal "any" range.
	ModeOverlap MatchMode = "overlap"
	// ModeSubnet excludes only ranges fully contained in an excluded
	// prefix; "any" is never contained in a finite prefix.
	ModeSubnet MatchMode = "subnet"
)

// PrefixMatcher checks a rule's resolved network ranges against the
// excluded PrefixSet. Opt-in: an empty set never excludes.
type PrefixMatcher struct {
	set  *netrange.Set
	mode MatchMode
}

func NewPrefixMatcher(set *netrange.Set, mode MatchMode) *PrefixMatcher {
	return &PrefixMatcher{set: set, mode: mode}
}

func (m *PrefixMatcher) Empty() bool {
	return m.set.Empty()
}

func (m *PrefixMatcher) Mode() MatchMode {
	return m.mode
}

// Match returns the excluded prefix (as configured) matched by any of
// the given ranges.
func (m *PrefixMatcher) Match(ranges []netrange.Range) (prefix string, matched bool) {
	if m.set.Empty() {
		return "", false
	}
	for _, r := range ranges {
		m.set.Each(func(excluded netrange.Range, spec string) bool {
			var hit bool
			switch m.mode {
			case ModeSubnet:
				hit = r.SubnetOf(excluded)
			default:
				hit = r.Overlaps(excluded)
			}
			if hit {
				prefix = spec
				matched = true
				return false
			}
			return true
		})
		if matched {
			return prefix, true
		}
	}
	return "", false
}
