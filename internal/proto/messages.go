// Package proto holds the wire message types exchanged between client
// and server and the outbound-queue primitive the room and
// session-coordinator layers both depend on. It has no dependency on
// either, which is what lets room and session each depend on it without
// an import cycle.
package proto

import (
	"github.com/Polqt/bearshare/internal/crdt"
	"github.com/Polqt/bearshare/internal/storage"
)

// ClientMsgKind enumerates the message kinds a client may send. Clients
// running their own replica send raw operation messages; thin clients
// send position-based insert/delete and let the server mint the ops.
type ClientMsgKind string

const (
	ClientCreateRoom       ClientMsgKind = "create_room"
	ClientJoinRoom         ClientMsgKind = "join_room"
	ClientLeaveRoom        ClientMsgKind = "leave_room"
	ClientInsert           ClientMsgKind = "insert"
	ClientDelete           ClientMsgKind = "delete"
	ClientOperation        ClientMsgKind = "operation"
	ClientRequestSync      ClientMsgKind = "request_sync"
	ClientPing             ClientMsgKind = "ping"
	ClientSaveVersion      ClientMsgKind = "save_version"
	ClientListVersions     ClientMsgKind = "list_versions"
	ClientRestoreVersion   ClientMsgKind = "restore_version"
	ClientCompareVersions  ClientMsgKind = "compare_versions"
	ClientListActivity     ClientMsgKind = "list_activity"
)

// ClientMessage is the single wire shape for every inbound message kind:
// one flat struct with a type tag rather than N separate Go types.
type ClientMessage struct {
	Type ClientMsgKind `json:"type"`

	// CreateRoom
	RoomName       string `json:"room_name,omitempty"`
	Password       string `json:"password,omitempty"`
	Filename       string `json:"filename,omitempty"`
	InitialContent string `json:"initial_content,omitempty"`

	// JoinRoom / LeaveRoom / most doc-scoped kinds
	RoomID string `json:"room_id,omitempty"`

	// Insert / Delete
	Pos    int `json:"pos,omitempty"`
	Length int `json:"length,omitempty"`

	// Insert.Text is one or more runes applied left-to-right starting at Pos.
	Text string `json:"text,omitempty"`

	// Operation
	Op *crdt.RemoteOp `json:"op,omitempty"`

	// SaveVersion / ListVersions / RestoreVersion / CompareVersions
	DocID   string `json:"doc_id,omitempty"`
	Content string `json:"content,omitempty"`
	Author  string `json:"author,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	ASeq    uint64 `json:"a_seq,omitempty"`
	BSeq    uint64 `json:"b_seq,omitempty"`

	// ListActivity
	Limit int `json:"limit,omitempty"`
}

// ServerMsgKind enumerates the message kinds the server may send.
type ServerMsgKind string

const (
	ServerRoomCreated      ServerMsgKind = "room_created"
	ServerJoinedRoom       ServerMsgKind = "joined_room"
	ServerUserJoined       ServerMsgKind = "user_joined"
	ServerUserLeft         ServerMsgKind = "user_left"
	ServerOperation        ServerMsgKind = "operation"
	ServerCheckpoint       ServerMsgKind = "checkpoint"
	ServerSyncResponse     ServerMsgKind = "sync_response"
	ServerError            ServerMsgKind = "error"
	ServerPong             ServerMsgKind = "pong"
	ServerVersionSaved     ServerMsgKind = "version_saved"
	ServerVersionsList     ServerMsgKind = "versions_list"
	ServerVersionDiff      ServerMsgKind = "version_diff"
	ServerVersionRestored  ServerMsgKind = "version_restored"
	ServerActivityList     ServerMsgKind = "activity_list"
	ServerActivityEvent    ServerMsgKind = "activity_event"
)

// ServerMessage is the single wire shape for every outbound message kind.
type ServerMessage struct {
	Type ServerMsgKind `json:"type"`

	// RoomCreated / JoinedRoom
	RoomID   string `json:"room_id,omitempty"`
	SiteID   uint32 `json:"site_id,omitempty"`
	NumSites int    `json:"num_sites,omitempty"`
	Filename string `json:"filename,omitempty"`

	// JoinedRoom / SyncResponse
	DocumentContent string          `json:"document_content,omitempty"`
	BufferedOps     []crdt.RemoteOp `json:"buffered_ops,omitempty"`

	// UserJoined / UserLeft
	UserID string `json:"user_id,omitempty"`

	// Operation
	FromSite uint32        `json:"from_site,omitempty"`
	Op       crdt.RemoteOp `json:"op,omitempty"`

	// Checkpoint
	OpsApplied int `json:"ops_applied,omitempty"`

	// Error
	Message string `json:"message,omitempty"`

	// VersionSaved / VersionsList / VersionRestored
	Version  *storage.Version  `json:"version,omitempty"`
	Versions []storage.Version `json:"versions,omitempty"`
	DocID    string            `json:"doc_id,omitempty"`
	Seq      uint64            `json:"seq,omitempty"`
	Content  string            `json:"content,omitempty"`

	// VersionDiff
	Diff string `json:"diff,omitempty"`

	// ActivityList / ActivityEvent
	Events []storage.ActivityEvent `json:"events,omitempty"`
	Event  storage.ActivityEvent   `json:"event,omitempty"`
}
