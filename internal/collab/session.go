// Package collab tracks who is present in a process room and who holds the
// single-writer lock. All state is in memory and owned here exclusively; a
// restart empties every room and clients rejoin. State transitions return the
// events to emit so the logic is testable without a live transport.
package collab

import "time"

// Identity is the already-verified user identity supplied at join time. The
// registry performs no permission checks of its own.
type Identity struct {
	UserID    string `json:"userId"`
	Name      string `json:"userName"`
	Email     string `json:"userEmail"`
	AvatarURL string `json:"userAvatar,omitempty"`
}

// Cursor is a pointer position on the process canvas.
type Cursor struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

// ActiveSession is one connection's presence record within a room. Sessions
// are keyed by connection, so two tabs of the same user are two sessions.
type ActiveSession struct {
	ConnID       string
	Identity     Identity
	Cursor       *Cursor
	IsEditing    bool
	LastActivity time.Time
}

// PresenceEntry is the wire form of a session, shared in roster broadcasts.
type PresenceEntry struct {
	UserID    string  `json:"userId"`
	Name      string  `json:"userName"`
	Email     string  `json:"userEmail"`
	AvatarURL string  `json:"userAvatar,omitempty"`
	IsEditing bool    `json:"isEditing"`
	Cursor    *Cursor `json:"cursor,omitempty"`
}

// Event is a message to deliver through the transport. When ConnID is set it
// goes to that connection only; otherwise it goes to every connection in the
// room except Exclude.
type Event struct {
	Room    string
	ConnID  string
	Exclude string
	Name    string
	Payload map[string]any
}

func toConn(connID, name string, payload map[string]any) Event {
	return Event{ConnID: connID, Name: name, Payload: payload}
}

func toRoom(roomID, exclude, name string, payload map[string]any) Event {
	return Event{Room: roomID, Exclude: exclude, Name: name, Payload: payload}
}
