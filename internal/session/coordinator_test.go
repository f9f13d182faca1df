package session

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Polqt/bearshare/internal/proto"
	"github.com/Polqt/bearshare/internal/storage"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	metadata, err := storage.NewMetadataStore(":memory:")
	if err != nil {
		t.Fatalf("metadata store: %v", err)
	}
	t.Cleanup(func() { metadata.Close() })

	blobs, err := storage.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	return New(Config{InitialSiteCount: 10, CheckpointThreshold: 1},
		metadata, blobs, storage.NewVersionStore(), storage.NewAuditLog())
}

func TestCreateRoomAllocatesSiteIDsAndPersists(t *testing.T) {
	c := newTestCoordinator(t)
	r, err := c.CreateRoom("room-1", "My Room", "pw", "doc.txt", "hello")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	_, joinedA := c.Join(r, uuid.New())
	_, joinedB := c.Join(r, uuid.New())
	if joinedA.SiteID != 1 || joinedB.SiteID != 2 {
		t.Fatalf("site ids = %d, %d; want 1, 2", joinedA.SiteID, joinedB.SiteID)
	}
	if joinedB.DocumentContent != "hello" {
		t.Fatalf("joiner base content = %q, want %q", joinedB.DocumentContent, "hello")
	}
	if !c.blobs.Exists("room-1") {
		t.Fatal("CreateRoom should persist the initial document")
	}
}

func TestInsertDispatchBroadcastsOperationCheckpointAndSync(t *testing.T) {
	c := newTestCoordinator(t)
	r, err := c.CreateRoom("room-1", "My Room", "pw", "doc.txt", "ab")
	if err != nil {
		t.Fatal(err)
	}

	clientA, clientB := uuid.New(), uuid.New()
	queueA, _ := c.Join(r, clientA)
	_, joinedB := c.Join(r, clientB)

	// A observes B's arrival before any edits.
	if msg, _ := queueA.Pop(); msg.Type != proto.ServerUserJoined {
		t.Fatalf("first message to A = %q, want user_joined", msg.Type)
	}

	if reply := c.Dispatch(r, clientB, joinedB.SiteID, proto.ClientMessage{
		Type: proto.ClientInsert,
		Pos:  1,
		Text: "x",
	}); reply != nil {
		t.Fatalf("insert dispatch returned direct reply %+v, want broadcasts only", reply)
	}

	if got := r.Document().Content(); got != "axb" {
		t.Fatalf("document content = %q, want %q", got, "axb")
	}

	// Threshold 1: A sees the op, the checkpoint it triggered, then the
	// auto-sync that closes every edit round.
	wantKinds := []proto.ServerMsgKind{proto.ServerOperation, proto.ServerCheckpoint, proto.ServerSyncResponse}
	for i, want := range wantKinds {
		msg, ok := queueA.Pop()
		if !ok {
			t.Fatalf("queue A closed before message %d", i)
		}
		if msg.Type != want {
			t.Fatalf("message %d to A = %q, want %q", i, msg.Type, want)
		}
		if msg.Type == proto.ServerSyncResponse && msg.DocumentContent != "axb" {
			t.Fatalf("sync content = %q, want %q", msg.DocumentContent, "axb")
		}
	}

	if got := r.Document().BaseContent(); got != "axb" {
		t.Fatalf("base content after checkpoint = %q, want %q", got, "axb")
	}
}

func TestDeleteDispatchRemovesLengthCharacters(t *testing.T) {
	c := newTestCoordinator(t)
	r, err := c.CreateRoom("room-1", "My Room", "pw", "doc.txt", "abcdef")
	if err != nil {
		t.Fatal(err)
	}
	client := uuid.New()
	_, joined := c.Join(r, client)

	if reply := c.Dispatch(r, client, joined.SiteID, proto.ClientMessage{
		Type:   proto.ClientDelete,
		Pos:    1,
		Length: 3,
	}); reply != nil {
		t.Fatalf("delete dispatch returned direct reply %+v", reply)
	}
	if got := r.Document().Content(); got != "aef" {
		t.Fatalf("content = %q, want %q", got, "aef")
	}
}

func TestDispatchCallerErrorsSurfaceWithoutStateChange(t *testing.T) {
	c := newTestCoordinator(t)
	r, err := c.CreateRoom("room-1", "My Room", "pw", "doc.txt", "ab")
	if err != nil {
		t.Fatal(err)
	}
	client := uuid.New()
	_, joined := c.Join(r, client)

	reply := c.Dispatch(r, client, joined.SiteID, proto.ClientMessage{
		Type: proto.ClientInsert,
		Pos:  99,
		Text: "x",
	})
	if reply == nil || reply.Type != proto.ServerError {
		t.Fatalf("out-of-range insert reply = %+v, want error", reply)
	}
	if got := r.Document().Content(); got != "ab" {
		t.Fatalf("content changed to %q on a rejected insert", got)
	}
}

func TestRequestSyncRepliesToRequester(t *testing.T) {
	c := newTestCoordinator(t)
	r, err := c.CreateRoom("room-1", "My Room", "pw", "doc.txt", "hello")
	if err != nil {
		t.Fatal(err)
	}
	client := uuid.New()
	_, joined := c.Join(r, client)

	reply := c.Dispatch(r, client, joined.SiteID, proto.ClientMessage{Type: proto.ClientRequestSync})
	if reply == nil || reply.Type != proto.ServerSyncResponse {
		t.Fatalf("reply = %+v, want sync_response", reply)
	}
	if reply.DocumentContent != "hello" {
		t.Fatalf("sync content = %q, want %q", reply.DocumentContent, "hello")
	}

	pong := c.Dispatch(r, client, joined.SiteID, proto.ClientMessage{Type: proto.ClientPing})
	if pong == nil || pong.Type != proto.ServerPong {
		t.Fatalf("ping reply = %+v, want pong", pong)
	}
}

func TestLeaveEvictsEmptyRoomAndGetRoomReloadsIt(t *testing.T) {
	c := newTestCoordinator(t)
	created, err := c.CreateRoom("room-1", "My Room", "pw", "doc.txt", "persisted text")
	if err != nil {
		t.Fatal(err)
	}
	client := uuid.New()
	c.Join(created, client)
	c.Leave(created, client)

	reloaded, err := c.GetRoom("room-1")
	if err != nil {
		t.Fatalf("GetRoom after eviction: %v", err)
	}
	if reloaded == created {
		t.Fatal("expected the room to be evicted and rebuilt from storage")
	}
	if got := reloaded.Document().Content(); got != "persisted text" {
		t.Fatalf("reloaded content = %q, want %q", got, "persisted text")
	}
	if !reloaded.VerifyPassword("pw") {
		t.Fatal("reloaded room must verify against the originally stored hash")
	}
}

func TestEvictIdleRoomsSweepsNeverJoinedRooms(t *testing.T) {
	c := newTestCoordinator(t)
	created, err := c.CreateRoom("room-1", "My Room", "pw", "doc.txt", "x")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	c.EvictIdleRooms(time.Millisecond)

	reloaded, err := c.GetRoom("room-1")
	if err != nil {
		t.Fatalf("GetRoom after sweep: %v", err)
	}
	if reloaded == created {
		t.Fatal("expected the idle sweep to evict the never-joined room")
	}
}

func TestVersionFlowThroughDispatch(t *testing.T) {
	c := newTestCoordinator(t)
	r, err := c.CreateRoom("room-1", "My Room", "pw", "doc.txt", "v1 text")
	if err != nil {
		t.Fatal(err)
	}
	client := uuid.New()
	_, joined := c.Join(r, client)
	docID := r.Document().ID.String()

	saveReply := c.Dispatch(r, client, joined.SiteID, proto.ClientMessage{
		Type:   proto.ClientSaveVersion,
		DocID:  docID,
		Author: "alice",
	})
	if saveReply == nil || saveReply.Type != proto.ServerVersionSaved {
		t.Fatalf("save reply = %+v, want version_saved", saveReply)
	}
	if saveReply.Version == nil || saveReply.Version.Content != "v1 text" || saveReply.Version.Author != "alice" {
		t.Fatalf("saved version = %+v, want the full stored record", saveReply.Version)
	}
	if saveReply.DocID != docID || saveReply.Seq != saveReply.Version.Seq {
		t.Fatalf("save reply doc/seq = %q/%d, want %q/%d", saveReply.DocID, saveReply.Seq, docID, saveReply.Version.Seq)
	}

	listReply := c.Dispatch(r, client, joined.SiteID, proto.ClientMessage{
		Type:  proto.ClientListVersions,
		DocID: docID,
	})
	if listReply == nil || listReply.Type != proto.ServerVersionsList || len(listReply.Versions) != 1 {
		t.Fatalf("list reply = %+v, want one version", listReply)
	}
	seq := listReply.Versions[0].Seq

	restoreReply := c.Dispatch(r, client, joined.SiteID, proto.ClientMessage{
		Type:  proto.ClientRestoreVersion,
		DocID: docID,
		Seq:   seq,
	})
	if restoreReply == nil || restoreReply.Type != proto.ServerVersionRestored {
		t.Fatalf("restore reply = %+v, want version_restored", restoreReply)
	}
	if restoreReply.Content != "v1 text" {
		t.Fatalf("restored content = %q, want %q", restoreReply.Content, "v1 text")
	}

	missing := c.Dispatch(r, client, joined.SiteID, proto.ClientMessage{
		Type:  proto.ClientRestoreVersion,
		DocID: docID,
		Seq:   9999,
	})
	if missing == nil || missing.Type != proto.ServerError {
		t.Fatalf("restore of unknown seq = %+v, want error", missing)
	}
}
