// Package engine classifies zero-hit access rules and drives the
// disable action: criteria check, zone and prefix exclusion, the
// global disable cap and the bounded-retry protocol around every
// external call.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apinto/fmc-rule-cleanup/internal/model"
)

// RuleSource provides rule detail and object lookups from the device
// manager.
type RuleSource interface {
	FetchRule(ctx context.Context, ruleID string) (*model.Rule, error)
	ObjectLookup
}

// DisableAction applies (or simulates) the disable update for a rule.
type DisableAction interface {
	Disable(ctx context.Context, rule *model.Rule, comment string) error
}

// Candidate is one zero-hit rule selected for evaluation, carrying the
// hit-count telemetry the rule detail endpoint does not include.
type Candidate struct {
	RuleID   string
	RuleName string
	HitCount int64
	HasHit   bool
}

type Config struct {
	MaxRules int
	DryRun   bool
	Criteria Criteria
	Zones    *ZoneMatcher
	Prefixes *PrefixMatcher
}

// Engine processes candidates strictly sequentially. The disable cap
// and the scheduler's consecutive-failure counter are cross-rule
// invariants that depend on this single linear ordering.
type Engine struct {
	cfg      Config
	source   RuleSource
	disable  DisableAction
	resolver *Resolver
	sched    *Scheduler
	log      *slog.Logger

	disabled int
}

func New(cfg Config, source RuleSource, disable DisableAction, sched *Scheduler, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		source:  source,
		disable: disable,
		sched:   sched,
		log:     log,
	}
	e.resolver = NewResolver(&retryingLookup{source: source, sched: sched}, log)
	return e
}

// retryingLookup routes object fetches through the retry scheduler so
// they share the backoff ladder and consecutive counter with every
// other external call.
type retryingLookup struct {
	source RuleSource
	sched  *Scheduler
}

func (l *retryingLookup) FetchObject(ctx context.Context, ref model.NetworkRef) (*model.NetworkObject, error) {
	var obj *model.NetworkObject
	err := l.sched.Do(ctx, "fetch object "+ref.ObjectID, func(ctx context.Context) error {
		var err error
		obj, err = l.source.FetchObject(ctx, ref)
		return err
	})
	return obj, err
}

// Run evaluates every candidate in order and returns one Decision per
// processed rule plus the final run status. Already-applied disables
// stand regardless of how the run ends.
func (e *Engine) Run(ctx context.Context, candidates []Candidate) ([]model.Decision, model.RunStatus) {
	decisions := make([]model.Decision, 0, len(candidates))
	aborted := false
	interrupted := false

	for _, cand := range candidates {
		if ctx.Err() != nil {
			e.log.Info("run cancelled", "processed", len(decisions), "remaining", len(candidates)-len(decisions))
			interrupted = true
			break
		}
		if e.sched.Aborted() {
			aborted = true
			break
		}

		decision := e.processRule(ctx, cand)
		decisions = append(decisions, decision)

		if decision.Outcome == model.RuleError && e.sched.Aborted() {
			aborted = true
			break
		}
	}

	status := model.RunCompleted
	switch {
	case aborted:
		status = model.RunAborted
	case interrupted:
		status = model.RunInterrupted
	case hasErrors(decisions):
		status = model.RunCompletedWithSkips
	}
	return decisions, status
}

func (e *Engine) processRule(ctx context.Context, cand Candidate) model.Decision {
	rule, err := e.fetchRule(ctx, cand)
	if err != nil {
		e.log.Error("failed to fetch rule", "rule_id", cand.RuleID, "error", err)
		return model.Decision{
			RuleID:   cand.RuleID,
			RuleName: cand.RuleName,
			Outcome:  model.RuleError,
			Reason:   "failed to fetch rule detail",
			Detail:   err.Error(),
		}
	}

	decision := model.Decision{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		FirstComment: rule.FirstComment,
	}

	eligible, reason := e.cfg.Criteria.Evaluate(rule)
	if !eligible {
		e.log.Debug("rule not eligible", "rule", rule.Name, "reason", reason)
		decision.Outcome = model.SkipCriteria
		decision.Reason = reason
		return decision
	}

	if zone, side, matched := e.cfg.Zones.Match(rule); matched {
		e.log.Info("rule in excluded zone", "rule", rule.Name, "zone", zone, "side", side)
		decision.Outcome = model.SkipZone
		decision.Reason = "rule involves excluded zone"
		decision.Detail = fmt.Sprintf("%s zone %s", side, zone)
		return decision
	}

	if !e.cfg.Prefixes.Empty() {
		refs := append(append([]model.NetworkRef{}, rule.SrcNetworks...), rule.DstNetworks...)
		ranges, err := e.resolver.Resolve(ctx, refs)
		if err != nil {
			e.log.Error("failed to resolve rule networks", "rule", rule.Name, "error", err)
			decision.Outcome = model.RuleError
			decision.Reason = "failed to resolve network objects"
			decision.Detail = err.Error()
			return decision
		}
		if prefix, matched := e.cfg.Prefixes.Match(ranges); matched {
			e.log.Info("rule uses excluded prefix", "rule", rule.Name, "prefix", prefix, "mode", e.cfg.Prefixes.Mode())
			decision.Outcome = model.SkipPrefix
			decision.Reason = "rule involves excluded IP prefix"
			decision.Detail = fmt.Sprintf("mode:%s prefix:%s", e.cfg.Prefixes.Mode(), prefix)
			return decision
		}
	}

	if e.disabled >= e.cfg.MaxRules {
		decision.Outcome = model.SkipCap
		decision.Reason = fmt.Sprintf("disable cap of %d rules reached", e.cfg.MaxRules)
		return decision
	}

	comment := fmt.Sprintf("%s %s - %s", model.DisableSentinel, time.Now().Format("2006-01-02 15:04:05"), reason)
	err = e.sched.Do(ctx, "disable rule "+rule.ID, func(ctx context.Context) error {
		return e.disable.Disable(ctx, rule, comment)
	})
	if err != nil {
		e.log.Error("failed to disable rule", "rule", rule.Name, "error", err)
		decision.Outcome = model.RuleError
		decision.Reason = "failed to disable rule"
		decision.Detail = err.Error()
		return decision
	}

	e.disabled++
	decision.Reason = reason
	if e.cfg.DryRun {
		e.log.Info("dry run: would disable rule", "rule", rule.Name, "reason", reason)
		decision.Outcome = model.WouldDisable
	} else {
		e.log.Info("disabled rule", "rule", rule.Name, "reason", reason)
		decision.Outcome = model.Disabled
	}
	return decision
}

func (e *Engine) fetchRule(ctx context.Context, cand Candidate) (*model.Rule, error) {
	var rule *model.Rule
	err := e.sched.Do(ctx, "fetch rule "+cand.RuleID, func(ctx context.Context) error {
		var err error
		rule, err = e.source.FetchRule(ctx, cand.RuleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	rule.HitCount = cand.HitCount
	rule.HasHitCount = cand.HasHit
	return rule, nil
}

// Disabled returns how many rules the run has disabled (or would have
// disabled, in dry-run mode).
func (e *Engine) Disabled() int {
	return e.disabled
}

func hasErrors(decisions []model.Decision) bool {
	for _, d := range decisions {
		if d.Outcome == model.RuleError {
			return true
		}
	}
	return false
}

// BuildStats aggregates decisions into the run summary.
func BuildStats(totalAnalyzed, zeroHit int, decisions []model.Decision, status model.RunStatus) model.RunStats {
	stats := model.RunStats{
		TotalAnalyzed: totalAnalyzed,
		ZeroHit:       zeroHit,
		Status:        status,
	}
	for _, d := range decisions {
		switch d.Outcome {
		case model.Disabled, model.WouldDisable:
			stats.Disabled++
		case model.RuleError:
			stats.Errors++
		default:
			stats.Skipped++
		}
	}
	return stats
}

// SimulatedDisable is the dry-run strategy: it validates nothing is
// mutated by never calling the device manager.
type SimulatedDisable struct{}

func (SimulatedDisable) Disable(ctx context.Context, rule *model.Rule, comment string) error {
	return nil
}

var _ DisableAction = SimulatedDisable{}
