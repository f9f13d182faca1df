// Package room owns one Document's lifecycle: client/site-id membership,
// broadcast, and the checkpoint-then-persist flow.
package room

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/Polqt/bearshare/internal/crdt"
	"github.com/Polqt/bearshare/internal/document"
	"github.com/Polqt/bearshare/internal/proto"
)

// Argon2id parameters: one pass, 64 MiB, four lanes, 32-byte output.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// Client is one connected participant: its allocated site id and its
// outbound queue.
type Client struct {
	ID       uuid.UUID
	SiteID   uint32
	Outbound *proto.OutboundQueue
}

// Room is a collaborative editing session: one document, its connected
// clients, and site-id allocation. Not safe for concurrent use without
// holding mu; callers (the session coordinator) always go through the
// exported methods, which take the lock themselves.
type Room struct {
	mu sync.RWMutex

	ID           string
	Name         string
	Filename     string
	passwordHash string
	doc          *document.Document
	clients      map[uuid.UUID]*Client
	nextSiteID   uint32
	createdAt    time.Time
	emptiedAt    time.Time
}

// New creates a room with a freshly hashed password and a document
// seeded with initialContent. Site 0 is reserved for the server-authored
// initial content; clients are allocated starting at 1.
func New(id, name, password, filename, initialContent string, numSites, checkpointThreshold int, epoch uint32) (*Room, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	return &Room{
		ID:           id,
		Name:         name,
		Filename:     filename,
		passwordHash: hash,
		doc:          document.New(uuid.New(), filename, initialContent, numSites, checkpointThreshold, epoch),
		clients:      make(map[uuid.UUID]*Client),
		nextSiteID:   1,
		createdAt:    time.Now().UTC(),
		emptiedAt:    time.Now().UTC(),
	}, nil
}

// Load rebuilds a room from previously persisted metadata and document
// state: passwordHash is the stored hash (not re-hashed), and the
// document is reconstructed from baseContent plus whatever operations
// hadn't been checkpointed at save time.
func Load(id, name, passwordHash, filename, baseContent string, bufferedOps []crdt.RemoteOp, numSites, checkpointThreshold int, epoch uint32) (*Room, error) {
	snap := document.Snapshot{
		ID:          uuid.New(),
		Filename:    filename,
		BaseContent: baseContent,
		BufferedOps: bufferedOps,
	}
	return &Room{
		ID:           id,
		Name:         name,
		Filename:     filename,
		passwordHash: passwordHash,
		doc:          document.FromSnapshot(snap, numSites, checkpointThreshold, epoch),
		clients:      make(map[uuid.UUID]*Client),
		nextSiteID:   1,
		createdAt:    time.Now().UTC(),
		emptiedAt:    time.Now().UTC(),
	}, nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("room: generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf("argon2id$%s$%s", hex.EncodeToString(salt), hex.EncodeToString(sum)), nil
}

// VerifyPassword reports whether password matches the room's stored hash.
func (r *Room) VerifyPassword(password string) bool {
	parts := splitHash(r.passwordHash)
	if len(parts) != 3 {
		return false
	}
	salt, want := parts[1], parts[2]
	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return false
	}
	wantBytes, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), saltBytes, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	if len(got) != len(wantBytes) {
		return false
	}
	return subtle.ConstantTimeCompare(got, wantBytes) == 1
}

func splitHash(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '$' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// Document exposes the room's document for the session coordinator.
func (r *Room) Document() *document.Document { return r.doc }

// PasswordHash returns the room's stored password hash, for persistence.
func (r *Room) PasswordHash() string { return r.passwordHash }

// ClientCount returns the number of connected clients.
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// IsEmpty reports whether the room has no connected clients.
func (r *Room) IsEmpty() bool { return r.ClientCount() == 0 }

// IdleSince returns when the room last became empty. Meaningless while
// the room has connected clients.
func (r *Room) IdleSince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emptiedAt
}

// AddClient allocates the next site id (starting at 1, monotonic, never
// reused for the room's lifetime) and registers outbound as that
// client's queue, broadcasting UserJoined to everyone else.
func (r *Room) AddClient(clientID uuid.UUID, outbound *proto.OutboundQueue) uint32 {
	r.mu.Lock()
	siteID := r.nextSiteID
	r.nextSiteID++
	r.clients[clientID] = &Client{ID: clientID, SiteID: siteID, Outbound: outbound}
	r.mu.Unlock()

	r.broadcastExcept(clientID, proto.ServerMessage{
		Type:   proto.ServerUserJoined,
		UserID: clientID.String(),
		SiteID: siteID,
	})
	return siteID
}

// RemoveClient unregisters clientID, broadcasting UserLeft to the rest.
func (r *Room) RemoveClient(clientID uuid.UUID) {
	r.mu.Lock()
	client, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
		if len(r.clients) == 0 {
			r.emptiedAt = time.Now().UTC()
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.broadcastExcept(clientID, proto.ServerMessage{
		Type:   proto.ServerUserLeft,
		UserID: clientID.String(),
		SiteID: client.SiteID,
	})
}

// SiteIDOf returns the site id allocated to clientID, ok=false if absent.
func (r *Room) SiteIDOf(clientID uuid.UUID) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return 0, false
	}
	return c.SiteID, true
}

// BroadcastOperation sends op, attributed to fromSite, to every client
// except fromClient.
func (r *Room) BroadcastOperation(fromClient uuid.UUID, fromSite uint32, op crdt.RemoteOp) {
	r.broadcastExcept(fromClient, proto.ServerMessage{
		Type:     proto.ServerOperation,
		FromSite: fromSite,
		Op:       op,
	})
}

// BroadcastCheckpoint announces a folded checkpoint to every client.
func (r *Room) BroadcastCheckpoint(content string, opsApplied int) {
	r.broadcast(proto.ServerMessage{
		Type:            proto.ServerCheckpoint,
		DocumentContent: content,
		OpsApplied:      opsApplied,
	})
}

// BroadcastSync sends the full current content and buffered ops to every
// client: the auto-sync that closes each edit round so all participants
// observe the post-edit document.
func (r *Room) BroadcastSync() {
	r.broadcast(proto.ServerMessage{
		Type:            proto.ServerSyncResponse,
		DocumentContent: r.doc.Content(),
		BufferedOps:     r.doc.BufferedOps(),
	})
}

// SendTo delivers msg to one specific client, if still connected.
func (r *Room) SendTo(clientID uuid.UUID, msg proto.ServerMessage) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if ok {
		c.Outbound.Push(msg)
	}
}

// RoomInfo returns the data a new joiner needs: filename, the
// last-checkpointed content, and the ops applied since.
func (r *Room) RoomInfo() (filename, baseContent string, bufferedOps []crdt.RemoteOp) {
	return r.Filename, r.doc.BaseContent(), r.doc.BufferedOps()
}

// broadcastExcept delivers msg to every client's outbound queue except except.
func (r *Room) broadcastExcept(except uuid.UUID, msg proto.ServerMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.clients {
		if id == except {
			continue
		}
		c.Outbound.Push(msg)
	}
}

// broadcast delivers msg to every connected client.
func (r *Room) broadcast(msg proto.ServerMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		c.Outbound.Push(msg)
	}
}

// CreatedAt returns the room's creation time.
func (r *Room) CreatedAt() time.Time { return r.createdAt }
