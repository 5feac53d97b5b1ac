package model

import "time"

// Sentinel written into the first comment of every rule this tool
// disables. Its presence marks a rule as previously processed.
const DisableSentinel = "DisabledByHitCountScript"

type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionBlock Action = "BLOCK"
)

// ZoneRef is a named security zone attached to a rule. An empty zone
// list on a rule means "any zone".
type ZoneRef struct {
	Name string
}

// NetworkRef is one source or destination network entry on a rule:
// either a literal value (IP, CIDR or "A-B" range) or a reference to a
// named object/group on the FMC.
type NetworkRef struct {
	Literal  string // set for literals, empty for object references
	ObjectID string
	Type     string // "Host", "Network", "Range", "NetworkGroup"
	Name     string // object name; "any" and "any-ipv4" are special
}

// Rule is an immutable snapshot of an access rule as fetched from the
// FMC. Mutation happens only through the update call, never in memory.
type Rule struct {
	ID          string
	Name        string
	Enabled     bool
	Action      Action
	HitCount    int64
	HasHitCount bool

	SrcZones []ZoneRef
	DstZones []ZoneRef

	SrcNetworks []NetworkRef
	DstNetworks []NetworkRef

	// First entry of the rule's comment history. The date doubles as
	// the creation timestamp; the text carries the disable sentinel
	// when this tool touched the rule before.
	FirstComment     string
	FirstCommentDate string // "2006-01-02" or RFC 3339 prefix
	HasComments      bool
}

// CreationYear extracts the year from the first comment date.
// Returns 0 if the date is missing or unparseable.
func (r *Rule) CreationYear() int {
	if len(r.FirstCommentDate) < 4 {
		return 0
	}
	year := 0
	for _, c := range r.FirstCommentDate[:4] {
		if c < '0' || c > '9' {
			return 0
		}
		year = year*10 + int(c-'0')
	}
	return year
}

// NetworkObject is a named network object as known to the FMC: either
// a literal value or a group of child references.
type NetworkObject struct {
	ID       string
	Name     string
	Type     string   // "Host", "Network", "Range", "NetworkGroup"
	Value    string   // literal for non-group types
	Literals []string // group literal members
	Children []NetworkRef
}

type Outcome string

const (
	Disabled     Outcome = "DISABLED"
	WouldDisable Outcome = "WOULD_DISABLE"
	SkipZone     Outcome = "SKIP_ZONE"
	SkipPrefix   Outcome = "SKIP_PREFIX"
	SkipCriteria Outcome = "SKIP_CRITERIA"
	SkipCap      Outcome = "SKIP_CAP"
	RuleError    Outcome = "ERROR"
)

// Decision is the classified outcome for a single rule. Every rule
// processed by the engine produces exactly one Decision.
type Decision struct {
	RuleID       string
	RuleName     string
	Outcome      Outcome
	Reason       string
	Detail       string // matched zone, matched prefix, failed criterion
	FirstComment string
}

// RunStatus distinguishes how a run ended.
type RunStatus string

const (
	RunCompleted          RunStatus = "completed"
	RunCompletedWithSkips RunStatus = "completed with skipped rules"
	RunAborted            RunStatus = "aborted early due to repeated connection failures"
	RunInterrupted        RunStatus = "interrupted before completion"
)

type RunStats struct {
	TotalAnalyzed int
	ZeroHit       int
	Disabled      int
	Skipped       int
	Errors        int
	Status        RunStatus
}

// RunMetadata accompanies the decision list into every report sink.
type RunMetadata struct {
	Device    string
	Host      string
	StartedAt time.Time
	DryRun    bool
	Stats     RunStats
}
