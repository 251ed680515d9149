package engine

import (
	"fmt"
	"path/filepath"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	StrategyLastWriterWins Strategy = "last-writer-wins"
	StrategyThreeWayMerge  Strategy = "three-way-merge"
	StrategyUserChoice     Strategy = "user-choice"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWriterWins, StrategyThreeWayMerge, StrategyUserChoice:
		return true
	}
	return false
}

// StrategyRule binds a path pattern to a resolution strategy. Patterns use
// filepath.Match syntax and are tried against the full path first, then
// against the final path element.
type StrategyRule struct {
	Pattern  string
	Strategy Strategy
}

// StrategySelector picks the strategy for a path. Rules are evaluated in
// order and the first match wins; paths with no matching rule get Default.
type StrategySelector struct {
	Default Strategy
	Rules   []StrategyRule
}

func (s StrategySelector) ForPath(path string) Strategy {
	for _, r := range s.Rules {
		if ok, err := filepath.Match(r.Pattern, path); err == nil && ok {
			return r.Strategy
		}
		if ok, err := filepath.Match(r.Pattern, filepath.Base(path)); err == nil && ok {
			return r.Strategy
		}
	}
	if s.Default.Valid() {
		return s.Default
	}
	return StrategyUserChoice
}

// ResolutionOutcome describes what a resolver decided for a conflict.
type ResolutionOutcome string

const (
	// ResolveProceedLocal applies the local change; the remote version is
	// backed up as the losing side.
	ResolveProceedLocal ResolutionOutcome = "proceed-local"
	// ResolveAppliedRemote keeps the remote version; the local change is
	// backed up as the losing side.
	ResolveAppliedRemote ResolutionOutcome = "applied-remote"
	// ResolveMerged writes a combined version carrying both sides' edits.
	ResolveMerged ResolutionOutcome = "merged"
	// ResolveEscalated pauses the operation until an external choice is made.
	ResolveEscalated ResolutionOutcome = "escalated"
)

// Resolution is the resolver's verdict. Content is set only for merged
// outcomes.
type Resolution struct {
	Outcome ResolutionOutcome
	Content []byte
	Reason  string
}

// Resolver decides conflicts without touching storage. It is a pure policy
// component; the executor persists whatever the resolution implies.
type Resolver struct {
	selector StrategySelector
	logger   Logger
}

func NewResolver(selector StrategySelector, logger Logger) *Resolver {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Resolver{selector: selector, logger: logger}
}

// StrategyFor exposes the selector so callers can stamp the chosen strategy
// onto the conflict record before resolving.
func (r *Resolver) StrategyFor(path string) Strategy {
	return r.selector.ForPath(path)
}

// Resolve applies c.Strategy to the conflict. Deletions cannot be merged, so
// a three-way-merge conflict where either side is absent escalates.
func (r *Resolver) Resolve(c *Conflict) Resolution {
	switch c.Strategy {
	case StrategyLastWriterWins:
		// Ties go to the local change so a submit that races its own
		// observation does not bounce back.
		if !c.Local.ModTime.Before(c.Remote.ModTime) {
			return Resolution{Outcome: ResolveProceedLocal, Reason: "local change is newer"}
		}
		return Resolution{Outcome: ResolveAppliedRemote, Reason: "remote change is newer"}
	case StrategyThreeWayMerge:
		if c.Base == nil {
			return Resolution{Outcome: ResolveEscalated, Reason: "no common base version available"}
		}
		if c.Local.Hash == "" || c.Remote.Hash == "" {
			return Resolution{Outcome: ResolveEscalated, Reason: "cannot merge a deletion"}
		}
		merged, ok := Merge(c.Base.Content, c.Local.Content, c.Remote.Content)
		if !ok {
			return Resolution{Outcome: ResolveEscalated, Reason: "changes overlap"}
		}
		return Resolution{Outcome: ResolveMerged, Content: merged, Reason: "non-overlapping changes combined"}
	case StrategyUserChoice:
		return Resolution{Outcome: ResolveEscalated, Reason: "strategy requires an explicit choice"}
	default:
		r.logger.Warn("unknown conflict strategy, escalating", "strategy", string(c.Strategy), "path", c.Path)
		return Resolution{Outcome: ResolveEscalated, Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}
}
