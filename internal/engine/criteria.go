package engine

import (
	"fmt"
	"strings"

	"github.com/apinto/fmc-rule-cleanup/internal/model"
)

// Criteria is the static eligibility predicate for disabling a rule.
// Pure function of the rule snapshot; no side effects.
type Criteria struct {
	YearThreshold int
	Actions       []model.Action
}

// Evaluate returns whether the rule is eligible for disabling and a
// human-readable reason: the first failed criterion, or for eligible
// rules the positive justification used in the audit comment.
func (c Criteria) Evaluate(r *model.Rule) (bool, string) {
	if !r.HasHitCount {
		return false, "hit count unavailable"
	}
	if r.HitCount != 0 {
		return false, fmt.Sprintf("hit count is %d", r.HitCount)
	}
	if !r.Enabled {
		return false, "rule is already disabled"
	}
	if !c.actionAllowed(r.Action) {
		return false, fmt.Sprintf("action %s not in allowed actions %s", r.Action, c.actionList())
	}
	if strings.Contains(r.FirstComment, model.DisableSentinel) {
		return true, "rule previously marked: " + r.FirstComment
	}
	// A rule with no comment history has no creation record at all and
	// is treated as abandoned.
	if !r.HasComments {
		return true, "no comment history found"
	}
	year := r.CreationYear()
	if year == 0 {
		return false, fmt.Sprintf("could not parse creation date %q", r.FirstCommentDate)
	}
	if year < c.YearThreshold {
		return true, fmt.Sprintf("rule created in %d, before threshold %d", year, c.YearThreshold)
	}
	return false, fmt.Sprintf("rule created in %d, threshold is %d", year, c.YearThreshold)
}

func (c Criteria) actionAllowed(a model.Action) bool {
	for _, allowed := range c.Actions {
		if a == allowed {
			return true
		}
	}
	return false
}

func (c Criteria) actionList() string {
	names := make([]string, len(c.Actions))
	for i, a := range c.Actions {
		names[i] = string(a)
	}
	return strings.Join(names, ",")
}
