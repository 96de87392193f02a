package model

import (
	"math/rand"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusQueued, false},
		{StatusProcessing, false},
		{StatusComplete, true},
		{StatusCancelled, true},
		{StatusFailed, true},
		{StatusTimedOut, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusTimedOut, true},
		{StatusQueued, StatusComplete, false},
		{StatusProcessing, StatusComplete, true},
		{StatusProcessing, StatusTimedOut, true},
		{StatusProcessing, StatusQueued, false},
		{StatusComplete, StatusFailed, false},
		{StatusTimedOut, StatusComplete, false},
		{StatusCancelled, StatusProcessing, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// TestRandomTransitionSequences applies random transition attempts and checks
// that accepted ones always walk QUEUED→PROCESSING→terminal and never leave a
// terminal state.
func TestRandomTransitionSequences(t *testing.T) {
	all := []Status{
		StatusQueued, StatusProcessing, StatusComplete,
		StatusCancelled, StatusFailed, StatusTimedOut,
	}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 500; run++ {
		cur := StatusQueued
		path := []Status{cur}
		for step := 0; step < 10; step++ {
			next := all[rng.Intn(len(all))]
			if !ValidTransition(cur, next) {
				continue
			}
			if cur.Terminal() {
				t.Fatalf("accepted transition out of terminal %s to %s", cur, next)
			}
			cur = next
			path = append(path, cur)
		}

		if len(path) > 3 {
			t.Fatalf("path too long: %v", path)
		}
		for i, s := range path {
			switch {
			case i == 0 && s != StatusQueued:
				t.Fatalf("path must start QUEUED: %v", path)
			case i == 1 && s != StatusProcessing && !s.Terminal():
				t.Fatalf("second status must be PROCESSING or terminal: %v", path)
			case i == 2 && !s.Terminal():
				t.Fatalf("third status must be terminal: %v", path)
			}
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	j := NewJob(KindExport, "select 1", "alice")
	j.Result = &Result{Ref: "a.csv", RecordCount: 1}

	c := j.Clone()
	c.Result.Ref = "b.csv"
	c.Status = StatusComplete

	if j.Result.Ref != "a.csv" {
		t.Errorf("original result mutated: %q", j.Result.Ref)
	}
	if j.Status != StatusQueued {
		t.Errorf("original status mutated: %q", j.Status)
	}
}

func TestNewJobDefaults(t *testing.T) {
	j := NewJob(KindQuery, "select 1", "bob")
	if j.Status != StatusQueued {
		t.Errorf("Status = %q, want %q", j.Status, StatusQueued)
	}
	if !crockfordBase32.MatchString(j.ID) {
		t.Errorf("ID = %q, want ULID", j.ID)
	}
	if j.CreatedAt.IsZero() || !j.UpdatedAt.Equal(j.CreatedAt) {
		t.Errorf("timestamps not initialised: created=%v updated=%v", j.CreatedAt, j.UpdatedAt)
	}
	if j.Result != nil {
		t.Error("Result should be nil on a new job")
	}
}
