package document

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewSeedsInitialContentAtSiteZero(t *testing.T) {
	d := New(uuid.New(), "notes.txt", "Hello", 4, 1, 1)
	if got := d.Content(); got != "Hello" {
		t.Fatalf("Content() = %q, want %q", got, "Hello")
	}
	if n := d.BufferedOpsCount(); n != 0 {
		t.Fatalf("BufferedOpsCount() = %d, want 0 (seeding must not count as buffered)", n)
	}
}

func TestInsertBuffersAndNeedsCheckpoint(t *testing.T) {
	d := New(uuid.New(), "notes.txt", "", 4, 2, 1)
	if _, err := d.Insert(1, 0, 'a'); err != nil {
		t.Fatal(err)
	}
	if d.NeedsCheckpoint() {
		t.Fatalf("NeedsCheckpoint() true after 1 op with threshold 2")
	}
	if _, err := d.Insert(1, 1, 'b'); err != nil {
		t.Fatal(err)
	}
	if !d.NeedsCheckpoint() {
		t.Fatalf("NeedsCheckpoint() false after reaching threshold")
	}
	if n := d.Checkpoint(); n != 2 {
		t.Fatalf("Checkpoint() folded %d ops, want 2", n)
	}
	if d.NeedsCheckpoint() {
		t.Fatalf("NeedsCheckpoint() true immediately after a checkpoint")
	}
	if got := d.BaseContent(); got != "ab" {
		t.Fatalf("BaseContent() = %q, want %q", got, "ab")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	d := New(uuid.New(), "notes.txt", "ab", 4, 10, 1)
	if _, err := d.Insert(1, 2, 'c'); err != nil {
		t.Fatal(err)
	}
	snap := d.ToSnapshot(time.Unix(0, 0))

	restored := FromSnapshot(snap, 4, 10, 1)
	if got := restored.Content(); got != "abc" {
		t.Fatalf("restored Content() = %q, want %q", got, "abc")
	}
	if got := restored.BufferedOpsCount(); got != 1 {
		t.Fatalf("restored BufferedOpsCount() = %d, want 1", got)
	}
}
