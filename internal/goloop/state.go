package goloop

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A goloop node in recovery reports free-text states like
// "reset height=1000 resolved=500 unresolved=500" or
// "pruning 120/480 resolved=300 unresolved=100". The monitors decode
// them once into a tagged NodeState instead of re-matching at every
// call site.

var (
	resetStateRegex   = regexp.MustCompile(`height=(\d+) resolved=(\d+) unresolved=(\d+)`)
	pruningStateRegex = regexp.MustCompile(`pruning (\d+)/(\d+) resolved=(\d+) unresolved=(\d+)`)
)

// ErrStateParse reports a reset/pruning state string that did not
// match the expected pattern.
var ErrStateParse = errors.New("cannot parse node state data")

const (
	StateStarted NodeStateKind = iota
	StateResetting
	StatePruning
	StateOther
)

type NodeStateKind int

func (k NodeStateKind) String() string {
	switch k {
	case StateStarted:
		return "started"
	case StateResetting:
		return "reset"
	case StatePruning:
		return "pruning"
	default:
		return "other"
	}
}

// NodeState is the decoded form of the chain's state field.
type NodeState struct {
	Kind    NodeStateKind
	Raw     string
	Reset   *ResetProgress
	Pruning *PruningProgress
}

// ResetProgress is the parsed payload of a "reset" state.
type ResetProgress struct {
	Height     int64
	Resolved   int64
	Unresolved int64
	// Progress is resolved/height as a percentage, rounded to two
	// decimals.
	Progress float64
}

// PruningProgress is the parsed payload of a "pruning" state.
type PruningProgress struct {
	Current    int64
	Total      int64
	Resolved   int64
	Unresolved int64
	// Progress is current/total as a percentage; ResolveProgress is
	// resolved/(resolved+unresolved). Both rounded to two decimals.
	Progress        float64
	ResolveProgress float64
}

// ParseNodeState decodes the raw state string. A parse failure on a
// reset/pruning state is returned to the caller; plain states never
// fail.
func ParseNodeState(raw string) (NodeState, error) {
	switch {
	case raw == "started":
		return NodeState{Kind: StateStarted, Raw: raw}, nil
	case strings.Contains(raw, "pruning"):
		p, err := CalculatePruningPercentage(raw)
		if err != nil {
			return NodeState{}, err
		}
		return NodeState{Kind: StatePruning, Raw: raw, Pruning: p}, nil
	case strings.Contains(raw, "reset"):
		r, err := CalculateResetPercentage(raw)
		if err != nil {
			return NodeState{}, err
		}
		return NodeState{Kind: StateResetting, Raw: raw, Reset: r}, nil
	default:
		return NodeState{Kind: StateOther, Raw: raw}, nil
	}
}

// CalculateResetPercentage parses "height=H resolved=R unresolved=U"
// and reports resolved/height as the reset progress.
func CalculateResetPercentage(raw string) (*ResetProgress, error) {
	m := resetStateRegex.FindStringSubmatch(raw)
	if m == nil {
		return nil, errors.Wrapf(ErrStateParse, "%q", raw)
	}
	height := mustParseInt(m[1])
	resolved := mustParseInt(m[2])
	unresolved := mustParseInt(m[3])
	if height == 0 {
		return nil, errors.Wrapf(ErrStateParse, "zero height in %q", raw)
	}
	return &ResetProgress{
		Height:     height,
		Resolved:   resolved,
		Unresolved: unresolved,
		Progress:   round2(float64(resolved) / float64(height) * 100),
	}, nil
}

// CalculatePruningPercentage parses
// "pruning C/T resolved=R unresolved=U" and reports C/T plus the
// resolve progress R/(R+U).
func CalculatePruningPercentage(raw string) (*PruningProgress, error) {
	m := pruningStateRegex.FindStringSubmatch(raw)
	if m == nil {
		return nil, errors.Wrapf(ErrStateParse, "%q", raw)
	}
	current := mustParseInt(m[1])
	total := mustParseInt(m[2])
	resolved := mustParseInt(m[3])
	unresolved := mustParseInt(m[4])
	if total == 0 {
		return nil, errors.Wrapf(ErrStateParse, "zero total in %q", raw)
	}
	p := &PruningProgress{
		Current:    current,
		Total:      total,
		Resolved:   resolved,
		Unresolved: unresolved,
		Progress:   round2(float64(current) / float64(total) * 100),
	}
	if resolved+unresolved > 0 {
		p.ResolveProgress = round2(float64(resolved) / float64(resolved+unresolved) * 100)
	}
	return p, nil
}

func mustParseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
