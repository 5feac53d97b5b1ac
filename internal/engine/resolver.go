package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/apinto/fmc-rule-cleanup/internal/fmc"
	"github.com/apinto/fmc-rule-cleanup/internal/model"
	"github.com/apinto/fmc-rule-cleanup/internal/netrange"
)

// ObjectLookup fetches a network object/group by reference.
type ObjectLookup interface {
	FetchObject(ctx context.Context, ref model.NetworkRef) (*model.NetworkObject, error)
}

// Resolver expands a rule's network references (literals, objects and
// nested groups) into concrete address ranges. Resolved objects are
// cached for the run; a per-call visited set stops reference cycles.
type Resolver struct {
	lookup ObjectLookup
	cache  map[string][]netrange.Range
	log    *slog.Logger
}

func NewResolver(lookup ObjectLookup, log *slog.Logger) *Resolver {
	return &Resolver{
		lookup: lookup,
		cache:  make(map[string][]netrange.Range),
		log:    log,
	}
}

// Resolve expands every reference in refs. Unparseable literals and
// missing objects degrade to empty branches with a warning; transport
// errors abort the resolution.
func (r *Resolver) Resolve(ctx context.Context, refs []model.NetworkRef) ([]netrange.Range, error) {
	var ranges []netrange.Range
	for _, ref := range refs {
		if ref.Literal != "" {
			parsed, err := netrange.ParseRuleValue(ref.Literal)
			if err != nil {
				r.log.Warn("skipping unparseable network literal", "value", ref.Literal, "error", err)
				continue
			}
			ranges = append(ranges, parsed...)
			continue
		}
		if isAnyObject(ref.Name) {
			ranges = append(ranges, netrange.UniversalRange())
			continue
		}
		visited := make(map[string]bool)
		resolved, _, err := r.resolveObject(ctx, ref, visited)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, resolved...)
	}
	return ranges, nil
}

// resolveObject returns the object's ranges and whether the result is
// complete. The cache is consulted before the visited set so an object
// reached through several branches of the same resolution (a diamond)
// resolves from its cached ranges instead of being cut as circular.
// Results truncated by the visited set are never cached: a later
// resolution starting at that object must see its full expansion.
func (r *Resolver) resolveObject(ctx context.Context, ref model.NetworkRef, visited map[string]bool) ([]netrange.Range, bool, error) {
	if ref.ObjectID == "" {
		return nil, true, nil
	}
	if cached, ok := r.cache[ref.ObjectID]; ok {
		return cached, true, nil
	}
	if visited[ref.ObjectID] {
		r.log.Warn("circular reference in network group", "object", ref.Name, "id", ref.ObjectID)
		return nil, false, nil
	}
	visited[ref.ObjectID] = true

	obj, err := r.lookup.FetchObject(ctx, ref)
	if err != nil {
		if fmc.IsNotFound(err) {
			r.log.Warn("network object not found, treating as empty", "object", ref.Name, "id", ref.ObjectID)
			r.cache[ref.ObjectID] = nil
			return nil, true, nil
		}
		return nil, false, err
	}

	var ranges []netrange.Range
	for _, lit := range obj.Literals {
		parsed, err := netrange.ParseRuleValue(lit)
		if err != nil {
			r.log.Warn("skipping unparseable group literal", "object", obj.Name, "value", lit, "error", err)
			continue
		}
		ranges = append(ranges, parsed...)
	}
	if obj.Value != "" {
		parsed, err := netrange.ParseRuleValue(obj.Value)
		if err != nil {
			r.log.Warn("skipping unparseable object value", "object", obj.Name, "value", obj.Value, "error", err)
		} else {
			ranges = append(ranges, parsed...)
		}
	}
	complete := true
	for _, child := range obj.Children {
		childRanges, childComplete, err := r.resolveObject(ctx, child, visited)
		if err != nil {
			return nil, false, err
		}
		if !childComplete {
			complete = false
		}
		ranges = append(ranges, childRanges...)
	}

	if complete {
		r.cache[ref.ObjectID] = ranges
	}
	return ranges, complete, nil
}

func isAnyObject(name string) bool {
	switch strings.ToLower(name) {
	case "any", "any-ipv4", "any-ipv6":
		return true
	}
	return false
}
