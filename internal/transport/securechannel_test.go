package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Polqt/bearshare/internal/proto"
)

// inMemoryFrameIO lets client and server handshake halves talk to each
// other without a real socket, for the pure-protocol tests below.
type inMemoryFrameIO struct {
	out chan<- []byte
	in  <-chan []byte
}

func (f *inMemoryFrameIO) WriteBinary(b []byte) error {
	cp := append([]byte(nil), b...)
	f.out <- cp
	return nil
}

func (f *inMemoryFrameIO) ReadBinary() ([]byte, error) {
	return <-f.in, nil
}

func newPipe() (client, server frameIO) {
	c2s := make(chan []byte, 8)
	s2c := make(chan []byte, 8)
	client = &inMemoryFrameIO{out: c2s, in: s2c}
	server = &inMemoryFrameIO{out: s2c, in: c2s}
	return
}

func handshakeBothSides(t *testing.T) (*SecureWrite, *SecureRead, *SecureWrite, *SecureRead) {
	t.Helper()
	clientConn, serverConn := newPipe()

	type result struct {
		w   *SecureWrite
		r   *SecureRead
		err error
	}
	clientDone := make(chan result, 1)
	serverDone := make(chan result, 1)

	go func() {
		w, r, err := ClientHandshake(clientConn)
		clientDone <- result{w, r, err}
	}()
	go func() {
		w, r, err := ServerHandshake(serverConn)
		serverDone <- result{w, r, err}
	}()

	cr := <-clientDone
	sr := <-serverDone
	if cr.err != nil {
		t.Fatalf("client handshake: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server handshake: %v", sr.err)
	}
	return cr.w, cr.r, sr.w, sr.r
}

func TestHandshakeAndOneRecordBothDirections(t *testing.T) {
	clientWrite, clientRead, serverWrite, serverRead := handshakeBothSides(t)

	// Client sends Ping as seq=0 on its own send counter; server decrypts it.
	frame, err := clientWrite.Encrypt([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("client encrypt: %v", err)
	}
	got, err := serverRead.Decrypt(frame)
	if err != nil {
		t.Fatalf("server decrypt: %v", err)
	}
	if string(got) != `{"type":"ping"}` {
		t.Fatalf("got %q", got)
	}

	// Server replies Pong as seq=0 on its own independent send counter.
	frame, err = serverWrite.Encrypt([]byte(`{"type":"pong"}`))
	if err != nil {
		t.Fatalf("server encrypt: %v", err)
	}
	got, err = clientRead.Decrypt(frame)
	if err != nil {
		t.Fatalf("client decrypt: %v", err)
	}
	if string(got) != `{"type":"pong"}` {
		t.Fatalf("got %q", got)
	}
}

func TestRecordSequenceMustMatchExactly(t *testing.T) {
	clientWrite, _, _, serverRead := handshakeBothSides(t)

	f0, err := clientWrite.Encrypt([]byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	f1, err := clientWrite.Encrypt([]byte("second"))
	if err != nil {
		t.Fatal(err)
	}

	// Out of order: deliver f1 before f0 is ever consumed — recvSeq expects 0.
	if _, err := serverRead.Decrypt(f1); err == nil {
		t.Fatal("expected out-of-order record to be rejected")
	}

	// Correct order succeeds.
	if _, err := serverRead.Decrypt(f0); err != nil {
		t.Fatalf("in-order decrypt failed: %v", err)
	}
	if _, err := serverRead.Decrypt(f1); err != nil {
		t.Fatalf("second in-order decrypt failed: %v", err)
	}

	// Replaying f0 again after it has already been consumed must fail:
	// recvSeq is now 2, f0 carries seq=0.
	if _, err := serverRead.Decrypt(f0); err == nil {
		t.Fatal("expected replayed record to be rejected")
	}
}

func TestTamperedRecordFailsAuthentication(t *testing.T) {
	clientWrite, _, _, serverRead := handshakeBothSides(t)

	frame, err := clientWrite.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), frame...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := serverRead.Decrypt(tampered); err == nil {
		t.Fatal("expected tampered record to fail authentication")
	}
}

func TestHandshakeBindingProducesDistinctKeysEachSession(t *testing.T) {
	w1, _, _, _ := handshakeBothSides(t)
	w2, _, _, _ := handshakeBothSides(t)

	f1, err := w1.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	f2, err := w2.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	if string(f1) == string(f2) {
		t.Fatal("two independent handshakes produced identical ciphertext for identical plaintext and seq")
	}
}

func TestWebSocketHandshakeAndApplicationMessage(t *testing.T) {
	serverDone := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := AcceptConn(w, r)
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		msg, err := conn.RecvClientMessage()
		if err != nil {
			serverDone <- err
			return
		}
		if msg.Type != proto.ClientPing {
			serverDone <- fmt.Errorf("unexpected client message type %q", msg.Type)
			return
		}
		serverDone <- conn.SendServerMessage(proto.ServerMessage{Type: proto.ServerPong})
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, err := DialConn(wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.SendClientMessage(proto.ClientMessage{Type: proto.ClientPing}); err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := conn.RecvServerMessage()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if reply.Type != proto.ServerPong {
		t.Fatalf("got %q, want pong", reply.Type)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server side: %v", err)
	}
}
