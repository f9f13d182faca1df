// Package document wraps a single RGA replica with the checkpoint policy
// that keeps a bounded operation log.
package document

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Polqt/bearshare/internal/crdt"
)

// DefaultCheckpointThreshold is the buffered-operation count that
// triggers an automatic checkpoint when no override is configured: every
// operation folds immediately, so a recovery load is always base + empty
// buffer.
const DefaultCheckpointThreshold = 1

// Document is one collaboratively edited file: an RGA replica plus the
// ops applied since the last checkpoint, and the last-checkpointed text.
// Not safe for concurrent use; the owning Room serializes access.
type Document struct {
	ID       uuid.UUID
	Filename string

	rga                 *crdt.RGA
	bufferedOps         []crdt.RemoteOp
	baseContent         string
	numSites            int
	checkpointThreshold int
}

// New creates a document seeded with initialContent, inserted as site-0
// operations (the server is always site 0). numSites sizes the RGA's
// vector clock, and checkpointThreshold overrides
// DefaultCheckpointThreshold when positive.
func New(id uuid.UUID, filename, initialContent string, numSites, checkpointThreshold int, session uint32) *Document {
	if checkpointThreshold <= 0 {
		checkpointThreshold = DefaultCheckpointThreshold
	}
	rga := crdt.NewRGA(0, numSites, session)
	for i, r := range []rune(initialContent) {
		if _, err := rga.InsertLocal(i, r); err != nil {
			// Only possible if initialContent enumeration desynchronizes
			// from the replica's own visible length, which cannot happen
			// for a fresh replica seeded in rune order.
			slog.Error("document: failed to seed initial content", "filename", filename, "err", err)
			break
		}
	}
	return &Document{
		ID:                  id,
		Filename:            filename,
		rga:                 rga,
		baseContent:         initialContent,
		numSites:            numSites,
		checkpointThreshold: checkpointThreshold,
	}
}

// NumSites reports the replica's configured site count.
func (d *Document) NumSites() int { return d.numSites }

// Insert applies a local insertion at visibleIndex attributed to siteID
// (the server's single replica mints the op on the issuing client's
// behalf) and buffers it for broadcast.
func (d *Document) Insert(siteID uint32, visibleIndex int, value rune) (crdt.RemoteOp, error) {
	op, err := d.rga.InsertLocalAs(siteID, visibleIndex, value)
	if err != nil {
		return crdt.RemoteOp{}, err
	}
	d.bufferedOps = append(d.bufferedOps, op)
	return op, nil
}

// Delete applies a local deletion at visibleIndex attributed to siteID
// and buffers it for broadcast.
func (d *Document) Delete(siteID uint32, visibleIndex int) (crdt.RemoteOp, error) {
	op, err := d.rga.DeleteLocalAs(siteID, visibleIndex)
	if err != nil {
		return crdt.RemoteOp{}, err
	}
	d.bufferedOps = append(d.bufferedOps, op)
	return op, nil
}

// ApplyOperation applies op to the document's own RGA and buffers it for
// the next checkpoint. Checkpointing is left to the caller; the room
// coordinator decides when to persist.
func (d *Document) ApplyOperation(op crdt.RemoteOp) {
	d.rga.ApplyRemote(op)
	d.bufferedOps = append(d.bufferedOps, op)
}

// NeedsCheckpoint reports whether the buffered operation count has
// reached the configured threshold.
func (d *Document) NeedsCheckpoint() bool {
	return len(d.bufferedOps) >= d.checkpointThreshold
}

// Checkpoint folds buffered operations into base_content and clears the
// buffer, returning the number of operations that were folded. A no-op
// when nothing is buffered.
func (d *Document) Checkpoint() int {
	if len(d.bufferedOps) == 0 {
		return 0
	}
	n := len(d.bufferedOps)
	d.baseContent = d.rga.Read()
	d.bufferedOps = d.bufferedOps[:0]
	return n
}

// ForceCheckpoint checkpoints regardless of NeedsCheckpoint.
func (d *Document) ForceCheckpoint() int { return d.Checkpoint() }

// Content returns the document's current visible text.
func (d *Document) Content() string { return d.rga.Read() }

// BaseContent returns the text as of the last checkpoint.
func (d *Document) BaseContent() string { return d.baseContent }

// BufferedOps returns the operations applied since the last checkpoint.
// The returned slice must not be mutated by the caller.
func (d *Document) BufferedOps() []crdt.RemoteOp { return d.bufferedOps }

// BufferedOpsCount reports len(BufferedOps()).
func (d *Document) BufferedOpsCount() int { return len(d.bufferedOps) }

// RGA exposes the underlying replica for per-client InsertLocal/DeleteLocal/
// UpdateLocal calls issued by the room coordinator.
func (d *Document) RGA() *crdt.RGA { return d.rga }

// Snapshot is the persisted shape of a document: enough to reconstruct it
// (base_content plus whatever wasn't checkpointed yet) without replaying
// the RGA's full internal node history.
type Snapshot struct {
	ID          uuid.UUID       `json:"id"`
	Filename    string          `json:"filename"`
	BaseContent string          `json:"base_content"`
	BufferedOps []crdt.RemoteOp `json:"buffered_ops"`
	SavedAt     time.Time       `json:"saved_at"`
}

// ToSnapshot captures the document's persistable state.
func (d *Document) ToSnapshot(savedAt time.Time) Snapshot {
	ops := make([]crdt.RemoteOp, len(d.bufferedOps))
	copy(ops, d.bufferedOps)
	return Snapshot{
		ID:          d.ID,
		Filename:    d.Filename,
		BaseContent: d.baseContent,
		BufferedOps: ops,
		SavedAt:     savedAt,
	}
}

// FromSnapshot rebuilds a document by seeding base_content at site 0 and
// then replaying the buffered ops recorded at save time.
func FromSnapshot(snap Snapshot, numSites, checkpointThreshold int, session uint32) *Document {
	d := New(snap.ID, snap.Filename, snap.BaseContent, numSites, checkpointThreshold, session)
	for _, op := range snap.BufferedOps {
		d.ApplyOperation(op)
	}
	return d
}
