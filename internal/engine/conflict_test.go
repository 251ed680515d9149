package engine

import (
	"testing"
	"time"
)

func TestStrategySelector_ForPath(t *testing.T) {
	sel := StrategySelector{
		Default: StrategyThreeWayMerge,
		Rules: []StrategyRule{
			{Pattern: "notes/*.md", Strategy: StrategyLastWriterWins},
			{Pattern: "*.lock", Strategy: StrategyUserChoice},
			{Pattern: "notes/*", Strategy: StrategyUserChoice},
		},
	}

	tests := []struct {
		path string
		want Strategy
	}{
		{"notes/todo.md", StrategyLastWriterWins}, // first rule wins over the later notes/* rule
		{"notes/raw.bin", StrategyUserChoice},
		{"deep/nested/pkg.lock", StrategyUserChoice}, // matched against the base name
		{"docs/readme.md", StrategyThreeWayMerge},
	}
	for _, tt := range tests {
		if got := sel.ForPath(tt.path); got != tt.want {
			t.Errorf("ForPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}

	t.Run("invalid default falls back to user choice", func(t *testing.T) {
		sel := StrategySelector{Default: Strategy("bogus")}
		if got := sel.ForPath("a.txt"); got != StrategyUserChoice {
			t.Errorf("ForPath() = %q, want %q", got, StrategyUserChoice)
		}
	})
}

func TestResolver_Resolve(t *testing.T) {
	older := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	version := func(content string, mod time.Time) Version {
		return Version{Content: []byte(content), Hash: HashContent([]byte(content)), ModTime: mod}
	}
	resolver := NewResolver(StrategySelector{Default: StrategyUserChoice}, nil)

	t.Run("last writer wins picks the newer side", func(t *testing.T) {
		c := &Conflict{
			Path:     "a.txt",
			Strategy: StrategyLastWriterWins,
			Local:    version("local", newer),
			Remote:   version("remote", older),
		}
		if res := resolver.Resolve(c); res.Outcome != ResolveProceedLocal {
			t.Errorf("Resolve() outcome = %q, want %q", res.Outcome, ResolveProceedLocal)
		}

		c.Local, c.Remote = version("local", older), version("remote", newer)
		if res := resolver.Resolve(c); res.Outcome != ResolveAppliedRemote {
			t.Errorf("Resolve() outcome = %q, want %q", res.Outcome, ResolveAppliedRemote)
		}
	})

	t.Run("last writer wins breaks ties toward local", func(t *testing.T) {
		c := &Conflict{
			Path:     "a.txt",
			Strategy: StrategyLastWriterWins,
			Local:    version("local", older),
			Remote:   version("remote", older),
		}
		if res := resolver.Resolve(c); res.Outcome != ResolveProceedLocal {
			t.Errorf("Resolve() outcome = %q, want %q", res.Outcome, ResolveProceedLocal)
		}
	})

	t.Run("merge combines disjoint edits", func(t *testing.T) {
		base := version("a\nb\nc\n", older)
		c := &Conflict{
			Path:     "a.txt",
			Strategy: StrategyThreeWayMerge,
			Base:     &base,
			Local:    version("A\nb\nc\n", newer),
			Remote:   version("a\nb\nC\n", newer),
		}
		res := resolver.Resolve(c)
		if res.Outcome != ResolveMerged {
			t.Fatalf("Resolve() outcome = %q, want %q (%s)", res.Outcome, ResolveMerged, res.Reason)
		}
		if string(res.Content) != "A\nb\nC\n" {
			t.Errorf("Resolve() content = %q, want %q", res.Content, "A\nb\nC\n")
		}
	})

	t.Run("merge escalates on overlapping edits", func(t *testing.T) {
		base := version("a\n", older)
		c := &Conflict{
			Path:     "a.txt",
			Strategy: StrategyThreeWayMerge,
			Base:     &base,
			Local:    version("x\n", newer),
			Remote:   version("y\n", newer),
		}
		if res := resolver.Resolve(c); res.Outcome != ResolveEscalated {
			t.Errorf("Resolve() outcome = %q, want %q", res.Outcome, ResolveEscalated)
		}
	})

	t.Run("merge escalates without a base version", func(t *testing.T) {
		c := &Conflict{
			Path:     "a.txt",
			Strategy: StrategyThreeWayMerge,
			Local:    version("x\n", newer),
			Remote:   version("y\n", newer),
		}
		if res := resolver.Resolve(c); res.Outcome != ResolveEscalated {
			t.Errorf("Resolve() outcome = %q, want %q", res.Outcome, ResolveEscalated)
		}
	})

	t.Run("merge escalates when a side is a deletion", func(t *testing.T) {
		base := version("a\n", older)
		c := &Conflict{
			Path:     "a.txt",
			Strategy: StrategyThreeWayMerge,
			Base:     &base,
			Local:    Version{ModTime: newer},
			Remote:   version("y\n", newer),
		}
		if res := resolver.Resolve(c); res.Outcome != ResolveEscalated {
			t.Errorf("Resolve() outcome = %q, want %q", res.Outcome, ResolveEscalated)
		}
	})

	t.Run("user choice always escalates", func(t *testing.T) {
		c := &Conflict{
			Path:     "a.txt",
			Strategy: StrategyUserChoice,
			Local:    version("x\n", newer),
			Remote:   version("y\n", older),
		}
		if res := resolver.Resolve(c); res.Outcome != ResolveEscalated {
			t.Errorf("Resolve() outcome = %q, want %q", res.Outcome, ResolveEscalated)
		}
	})

	t.Run("unknown strategy escalates", func(t *testing.T) {
		c := &Conflict{Path: "a.txt", Strategy: Strategy("bogus")}
		if res := resolver.Resolve(c); res.Outcome != ResolveEscalated {
			t.Errorf("Resolve() outcome = %q, want %q", res.Outcome, ResolveEscalated)
		}
	})
}
