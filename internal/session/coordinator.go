// Package session is the coordinator that dispatches ClientMessage
// values to rooms and owns room loading, persistence, and eviction.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Polqt/bearshare/internal/proto"
	"github.com/Polqt/bearshare/internal/room"
	"github.com/Polqt/bearshare/internal/storage"
)

// Config controls coordinator-wide defaults.
type Config struct {
	InitialSiteCount    int
	CheckpointThreshold int
	SessionEpoch        uint32
}

// Coordinator owns every loaded room and the storage adapters behind it.
// Rooms are loaded lazily on first reference and unloaded when empty.
type Coordinator struct {
	cfg Config

	metadata *storage.MetadataStore
	blobs    *storage.BlobStore
	versions *storage.VersionStore
	audit    *storage.AuditLog

	mu    sync.RWMutex
	rooms map[string]*room.Room
}

// New wires a coordinator against its storage adapters.
func New(cfg Config, metadata *storage.MetadataStore, blobs *storage.BlobStore, versions *storage.VersionStore, audit *storage.AuditLog) *Coordinator {
	if cfg.InitialSiteCount <= 0 {
		cfg.InitialSiteCount = 10
	}
	if cfg.CheckpointThreshold <= 0 {
		cfg.CheckpointThreshold = 1
	}
	return &Coordinator{
		cfg:      cfg,
		metadata: metadata,
		blobs:    blobs,
		versions: versions,
		audit:    audit,
		rooms:    make(map[string]*room.Room),
	}
}

// CreateRoom creates a brand-new room, persists its metadata and initial
// document, and loads it into memory.
func (c *Coordinator) CreateRoom(id, name, password, filename, initialContent string) (*room.Room, error) {
	r, err := room.New(id, name, password, filename, initialContent, c.cfg.InitialSiteCount, c.cfg.CheckpointThreshold, c.cfg.SessionEpoch)
	if err != nil {
		return nil, fmt.Errorf("session: create room %s: %w", id, err)
	}

	if err := c.metadata.CreateRoom(id, name, r.PasswordHash(), filename); err != nil {
		slog.Warn("session: failed to persist room metadata", "room", id, "err", err)
	}
	if err := c.persistRoom(r); err != nil {
		slog.Warn("session: failed to persist new room document", "room", id, "err", err)
	}

	c.mu.Lock()
	c.rooms[id] = r
	c.mu.Unlock()
	return r, nil
}

// GetRoom returns a loaded room, loading it from storage on first
// reference if it is not already in memory.
func (c *Coordinator) GetRoom(id string) (*room.Room, error) {
	c.mu.RLock()
	r, ok := c.rooms[id]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}

	stored, err := c.blobs.LoadDocument(id)
	if err != nil {
		return nil, fmt.Errorf("session: room %s not found: %w", id, err)
	}
	rec, found, err := c.metadata.GetRoom(id)
	if err != nil {
		return nil, fmt.Errorf("session: load room metadata %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("session: room %s has a document but no metadata", id)
	}

	loaded, err := room.Load(rec.ID, rec.Name, rec.PasswordHash, stored.Filename, stored.Content, stored.BufferedOps, c.cfg.InitialSiteCount, c.cfg.CheckpointThreshold, c.cfg.SessionEpoch)
	if err != nil {
		return nil, fmt.Errorf("session: rebuild room %s: %w", id, err)
	}

	c.mu.Lock()
	c.rooms[id] = loaded
	c.mu.Unlock()
	return loaded, nil
}

// persistRoom saves a room's document atomically and touches its
// metadata row.
func (c *Coordinator) persistRoom(r *room.Room) error {
	doc := r.Document()
	stored := storage.StoredDocument{
		ID:          doc.ID.String(),
		Filename:    doc.Filename,
		RoomID:      r.ID,
		Content:     doc.BaseContent(),
		BufferedOps: doc.BufferedOps(),
		CreatedAt:   r.CreatedAt(),
	}
	if err := c.blobs.SaveDocument(stored); err != nil {
		return err
	}
	return c.metadata.TouchRoom(r.ID)
}

// cleanupRoom persists and, if the room is empty, evicts it from memory.
func (c *Coordinator) cleanupRoom(r *room.Room) {
	if err := c.persistRoom(r); err != nil {
		slog.Warn("session: failed to persist room on cleanup", "room", r.ID, "err", err)
	}
	if !r.IsEmpty() {
		return
	}
	c.mu.Lock()
	delete(c.rooms, r.ID)
	c.mu.Unlock()
}

// Join adds clientID to room r with a fresh outbound queue and returns
// the JoinedRoom reply payload plus the queue to drain toward the
// client's transport.
func (c *Coordinator) Join(r *room.Room, clientID uuid.UUID) (*proto.OutboundQueue, proto.ServerMessage) {
	outbound := proto.NewOutboundQueue()
	siteID := r.AddClient(clientID, outbound)
	if err := c.metadata.AddUser(clientID.String(), r.ID, siteID); err != nil {
		slog.Warn("session: failed to persist user join", "room", r.ID, "user", clientID, "err", err)
	}
	c.audit.LogEvent(r.Document().ID.String(), clientID.String(), "join", "")

	filename, baseContent, bufferedOps := r.RoomInfo()
	return outbound, proto.ServerMessage{
		Type:            proto.ServerJoinedRoom,
		RoomID:          r.ID,
		SiteID:          siteID,
		NumSites:        r.Document().NumSites(),
		Filename:        filename,
		DocumentContent: baseContent,
		BufferedOps:     bufferedOps,
	}
}

// Leave removes clientID from room r and runs the cleanup/eviction path.
func (c *Coordinator) Leave(r *room.Room, clientID uuid.UUID) {
	r.RemoveClient(clientID)
	if err := c.metadata.RemoveUser(clientID.String()); err != nil {
		slog.Warn("session: failed to persist user leave", "room", r.ID, "user", clientID, "err", err)
	}
	c.audit.LogEvent(r.Document().ID.String(), clientID.String(), "leave", "")
	c.cleanupRoom(r)
}

// Dispatch applies one ClientMessage from clientID in room r and returns
// the direct reply to send back to that client (nil for kinds whose only
// effect is a broadcast, e.g. Insert/Delete/Operation, which also emit
// side-effect broadcasts directly on r before returning).
func (c *Coordinator) Dispatch(r *room.Room, clientID uuid.UUID, siteID uint32, msg proto.ClientMessage) *proto.ServerMessage {
	switch msg.Type {
	case proto.ClientInsert:
		return c.handleInsert(r, clientID, siteID, msg)
	case proto.ClientDelete:
		return c.handleDelete(r, clientID, siteID, msg)
	case proto.ClientOperation:
		return c.handleOperation(r, clientID, siteID, msg)
	case proto.ClientRequestSync:
		doc := r.Document()
		return &proto.ServerMessage{
			Type:            proto.ServerSyncResponse,
			DocumentContent: doc.Content(),
			BufferedOps:     doc.BufferedOps(),
		}
	case proto.ClientPing:
		return &proto.ServerMessage{Type: proto.ServerPong}
	case proto.ClientSaveVersion:
		return c.handleSaveVersion(r, msg)
	case proto.ClientListVersions:
		v := c.versions.ListVersions(msg.DocID)
		return &proto.ServerMessage{Type: proto.ServerVersionsList, DocID: msg.DocID, Versions: v}
	case proto.ClientRestoreVersion:
		return c.handleRestoreVersion(r, msg)
	case proto.ClientCompareVersions:
		return c.handleCompareVersions(msg)
	case proto.ClientListActivity:
		events := c.audit.List(msg.Limit)
		return &proto.ServerMessage{Type: proto.ServerActivityList, Events: events}
	default:
		return &proto.ServerMessage{Type: proto.ServerError, Message: fmt.Sprintf("unhandled message type %q", msg.Type)}
	}
}

// handleInsert applies a position-based insert: one local insertion per
// rune of text, an Operation broadcast per op, then an auto-sync
// SyncResponse broadcast to all clients.
func (c *Coordinator) handleInsert(r *room.Room, clientID uuid.UUID, siteID uint32, msg proto.ClientMessage) *proto.ServerMessage {
	doc := r.Document()
	pos := msg.Pos
	for _, ch := range msg.Text {
		op, err := doc.Insert(siteID, pos, ch)
		if err != nil {
			return &proto.ServerMessage{Type: proto.ServerError, Message: err.Error()}
		}
		r.BroadcastOperation(clientID, siteID, op)
		pos++
	}
	c.maybeCheckpointAndSync(r)
	return nil
}

// handleDelete implements the Delete{pos,length} row symmetrically: each
// deletion collapses the visible index space by one, so repeatedly
// deleting at pos removes length consecutive characters.
func (c *Coordinator) handleDelete(r *room.Room, clientID uuid.UUID, siteID uint32, msg proto.ClientMessage) *proto.ServerMessage {
	doc := r.Document()
	for i := 0; i < msg.Length; i++ {
		op, err := doc.Delete(siteID, msg.Pos)
		if err != nil {
			return &proto.ServerMessage{Type: proto.ServerError, Message: err.Error()}
		}
		r.BroadcastOperation(clientID, siteID, op)
	}
	c.maybeCheckpointAndSync(r)
	return nil
}

// handleOperation applies a client-generated RemoteOp verbatim, the edit
// path for clients that run their own RGA replica.
func (c *Coordinator) handleOperation(r *room.Room, clientID uuid.UUID, siteID uint32, msg proto.ClientMessage) *proto.ServerMessage {
	if msg.Op == nil {
		return &proto.ServerMessage{Type: proto.ServerError, Message: "operation message missing op"}
	}
	doc := r.Document()
	doc.ApplyOperation(*msg.Op)
	r.BroadcastOperation(clientID, siteID, *msg.Op)
	c.maybeCheckpointAndSync(r)
	return nil
}

// maybeCheckpointAndSync folds buffered ops once the threshold is
// reached, persists, and always finishes with the auto-sync broadcast
// that guarantees every client observes the post-edit document.
func (c *Coordinator) maybeCheckpointAndSync(r *room.Room) {
	doc := r.Document()
	if doc.NeedsCheckpoint() {
		n := doc.Checkpoint()
		r.BroadcastCheckpoint(doc.Content(), n)
		if err := c.persistRoom(r); err != nil {
			slog.Warn("session: failed to persist checkpoint", "room", r.ID, "err", err)
		}
	}
	r.BroadcastSync()
}

func (c *Coordinator) handleSaveVersion(r *room.Room, msg proto.ClientMessage) *proto.ServerMessage {
	content := msg.Content
	if content == "" {
		content = r.Document().Content()
	}
	v := c.versions.SaveVersion(msg.DocID, content, msg.Author)
	c.audit.LogEvent(msg.DocID, msg.Author, "save_version", fmt.Sprintf("seq %d", v.Seq))
	return &proto.ServerMessage{
		Type:    proto.ServerVersionSaved,
		DocID:   v.DocID,
		Seq:     v.Seq,
		Version: &v,
	}
}

func (c *Coordinator) handleRestoreVersion(r *room.Room, msg proto.ClientMessage) *proto.ServerMessage {
	v, ok := c.versions.RestoreVersion(msg.DocID, msg.Seq)
	if !ok {
		return &proto.ServerMessage{Type: proto.ServerError, Message: fmt.Sprintf("no version %d for %s", msg.Seq, msg.DocID)}
	}
	c.audit.LogEvent(msg.DocID, msg.Author, "restore", fmt.Sprintf("seq %d", msg.Seq))
	return &proto.ServerMessage{
		Type:    proto.ServerVersionRestored,
		DocID:   msg.DocID,
		Seq:     v.Seq,
		Content: v.Content,
	}
}

func (c *Coordinator) handleCompareVersions(msg proto.ClientMessage) *proto.ServerMessage {
	diff, ok := c.versions.CompareVersions(msg.DocID, msg.ASeq, msg.BSeq)
	if !ok {
		return &proto.ServerMessage{Type: proto.ServerError, Message: "one or both versions not found"}
	}
	return &proto.ServerMessage{Type: proto.ServerVersionDiff, DocID: msg.DocID, Diff: diff}
}

// EvictIdleRooms unloads rooms that have been empty for longer than
// idleFor, persisting them first. Run from a ticking goroutine in
// cmd/server.
func (c *Coordinator) EvictIdleRooms(idleFor time.Duration) {
	cutoff := time.Now().UTC().Add(-idleFor)

	c.mu.RLock()
	candidates := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		if r.IsEmpty() && r.IdleSince().Before(cutoff) {
			candidates = append(candidates, r)
		}
	}
	c.mu.RUnlock()

	for _, r := range candidates {
		c.cleanupRoom(r)
	}
}

