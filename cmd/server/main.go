// Command server runs the bearshare collaborative editing server:
// HTTP WebSocket listener, secure channel handshake, room coordinator,
// and storage adapters wired together.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Polqt/bearshare/internal/config"
	"github.com/Polqt/bearshare/internal/proto"
	"github.com/Polqt/bearshare/internal/room"
	"github.com/Polqt/bearshare/internal/session"
	"github.com/Polqt/bearshare/internal/storage"
	"github.com/Polqt/bearshare/internal/transport"
)

// idleRoomSweepInterval and idleRoomThreshold drive the periodic
// eviction loop for rooms left empty.
const (
	idleRoomSweepInterval = 5 * time.Minute
	idleRoomThreshold     = 30 * time.Minute
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	metadata, err := storage.NewMetadataStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("metadata store: %v", err)
	}
	defer metadata.Close()

	blobs, err := storage.NewBlobStore(cfg.FileStorePath)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}

	versions := storage.NewVersionStore()
	audit := storage.NewAuditLog()

	coord := session.New(session.Config{
		InitialSiteCount:    cfg.InitialSiteCount,
		CheckpointThreshold: cfg.CheckpointThreshold,
		SessionEpoch:        0,
	}, metadata, blobs, versions, audit)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.AcceptConn(w, r)
		if err != nil {
			slog.Warn("server: handshake failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		serveConn(coord, conn)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    cfg.BindAddress,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopSweep := make(chan struct{})
	go runIdleRoomSweep(coord, stopSweep)

	go func() {
		slog.Info("bearshare server listening", "address", cfg.BindAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	slog.Info("server: shutting down")
	close(stopSweep)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server: shutdown error", "err", err)
	}
}

func runIdleRoomSweep(coord *session.Coordinator, stop <-chan struct{}) {
	ticker := time.NewTicker(idleRoomSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			coord.EvictIdleRooms(idleRoomThreshold)
		case <-stop:
			return
		}
	}
}

// clientConn tracks the per-connection state a secure channel accumulates
// as its client creates or joins a room.
type clientConn struct {
	id       uuid.UUID
	conn     *transport.Conn
	coord    *session.Coordinator
	room     *room.Room
	siteID   uint32
	outbound *proto.OutboundQueue
	pumpDone chan struct{}
}

// serveConn runs one client's read loop until the connection closes,
// dispatching each ClientMessage to the coordinator and draining the
// resulting outbound queue back over conn on a separate goroutine.
func serveConn(coord *session.Coordinator, conn *transport.Conn) {
	defer conn.Close()

	c := &clientConn{id: uuid.New(), conn: conn, coord: coord}
	defer c.teardown()

	for {
		msg, err := conn.RecvClientMessage()
		if err != nil {
			return
		}

		switch msg.Type {
		case proto.ClientCreateRoom:
			c.handleCreateRoom(msg)
		case proto.ClientJoinRoom:
			c.handleJoinRoom(msg)
		case proto.ClientLeaveRoom:
			c.teardown()
		default:
			c.handleRoomScoped(msg)
		}
	}
}

func (c *clientConn) handleCreateRoom(msg proto.ClientMessage) {
	roomID := uuid.New().String()
	r, err := c.coord.CreateRoom(roomID, msg.RoomName, msg.Password, msg.Filename, msg.InitialContent)
	if err != nil {
		c.conn.SendServerMessage(proto.ServerMessage{Type: proto.ServerError, Message: err.Error()})
		return
	}
	c.enterRoom(r, proto.ServerRoomCreated)
}

func (c *clientConn) handleJoinRoom(msg proto.ClientMessage) {
	r, err := c.coord.GetRoom(msg.RoomID)
	if err != nil {
		c.conn.SendServerMessage(proto.ServerMessage{Type: proto.ServerError, Message: err.Error()})
		return
	}
	if !r.VerifyPassword(msg.Password) {
		c.conn.SendServerMessage(proto.ServerMessage{Type: proto.ServerError, Message: "wrong password"})
		return
	}
	c.enterRoom(r, proto.ServerJoinedRoom)
}

// enterRoom joins the coordinator's room bookkeeping, starts this
// connection's outbound pump, and replies with asType (RoomCreated and
// JoinedRoom share the same payload shape). A connection already in a
// room leaves it first.
func (c *clientConn) enterRoom(r *room.Room, asType proto.ServerMsgKind) {
	c.teardown()
	outbound, joined := c.coord.Join(r, c.id)
	c.room = r
	c.siteID = joined.SiteID
	c.outbound = outbound
	c.pumpDone = make(chan struct{})
	go func() {
		transport.PumpOutbound(c.conn, outbound)
		close(c.pumpDone)
	}()

	joined.Type = asType
	c.conn.SendServerMessage(joined)
}

func (c *clientConn) handleRoomScoped(msg proto.ClientMessage) {
	if c.room == nil {
		c.conn.SendServerMessage(proto.ServerMessage{Type: proto.ServerError, Message: "not in a room"})
		return
	}
	reply := c.coord.Dispatch(c.room, c.id, c.siteID, msg)
	if reply != nil {
		c.conn.SendServerMessage(*reply)
	}
}

// teardown leaves the current room, if any, and waits for the outbound
// pump goroutine to exit. Safe to call more than once.
func (c *clientConn) teardown() {
	if c.room == nil {
		return
	}
	c.coord.Leave(c.room, c.id)
	c.outbound.Close()
	<-c.pumpDone
	c.room = nil
}
