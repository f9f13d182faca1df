package room

import (
	"testing"

	"github.com/google/uuid"

	"github.com/Polqt/bearshare/internal/crdt"
	"github.com/Polqt/bearshare/internal/proto"
)

func TestPasswordRoundTrip(t *testing.T) {
	r, err := New("room-1", "My Room", "s3cret", "doc.txt", "hello", 10, 1, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !r.VerifyPassword("s3cret") {
		t.Fatal("correct password rejected")
	}
	if r.VerifyPassword("wrong") {
		t.Fatal("wrong password accepted")
	}
}

func TestSiteIDAllocationStartsAtOneMonotonicNeverReused(t *testing.T) {
	r, err := New("room-1", "My Room", "pw", "doc.txt", "", 10, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	a := uuid.New()
	b := uuid.New()
	c := uuid.New()

	siteA := r.AddClient(a, proto.NewOutboundQueue())
	siteB := r.AddClient(b, proto.NewOutboundQueue())
	if siteA != 1 || siteB != 2 {
		t.Fatalf("got site ids %d, %d; want 1, 2", siteA, siteB)
	}

	r.RemoveClient(a)
	siteC := r.AddClient(c, proto.NewOutboundQueue())
	if siteC != 3 {
		t.Fatalf("site id %d was reused after %d left", siteC, siteA)
	}
}

func TestIsEmptyAndClientCount(t *testing.T) {
	r, err := New("room-1", "My Room", "pw", "doc.txt", "", 10, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsEmpty() {
		t.Fatal("fresh room should be empty")
	}
	client := uuid.New()
	r.AddClient(client, proto.NewOutboundQueue())
	if r.IsEmpty() || r.ClientCount() != 1 {
		t.Fatal("room with one client should not be empty")
	}
	r.RemoveClient(client)
	if !r.IsEmpty() {
		t.Fatal("room should be empty again after its only client leaves")
	}
}

func TestBroadcastOperationExcludesSender(t *testing.T) {
	r, err := New("room-1", "My Room", "pw", "doc.txt", "", 10, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	sender := uuid.New()
	other := uuid.New()
	senderQ := proto.NewOutboundQueue()
	otherQ := proto.NewOutboundQueue()
	senderSite := r.AddClient(sender, senderQ)
	r.AddClient(other, otherQ)

	// Draining the UserJoined broadcast AddClient just sent so the
	// assertions below only see BroadcastOperation's effect.
	senderQ.Pop()

	r.BroadcastOperation(sender, senderSite, crdt.InsertOp(nil, 'x', crdt.S4Vector{}, crdt.Clock{}))

	if _, ok := otherQ.Pop(); !ok {
		t.Fatal("expected other client to receive the broadcast operation")
	}

	go senderQ.Close()
	if _, ok := senderQ.Pop(); ok {
		t.Fatal("sender should not receive its own broadcast operation")
	}
}

func TestLoadRebuildsFromSnapshotState(t *testing.T) {
	r, err := Load("room-1", "My Room", "argon2id$aa$bb", "doc.txt", "hello", nil, 10, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if r.Document().Content() != "hello" {
		t.Fatalf("got %q, want %q", r.Document().Content(), "hello")
	}
	if r.PasswordHash() != "argon2id$aa$bb" {
		t.Fatal("Load should preserve the stored hash verbatim, not rehash")
	}
}
