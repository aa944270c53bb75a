package collab

import (
	"sync"
	"time"
)

// Registry is the authoritative record of active sessions and lock holders,
// keyed by process id. Each room is its own serialization point: operations
// on one process never block another.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	mu       sync.Mutex
	sessions map[string]*ActiveSession
	// lockHolder is a user id, empty when unlocked. The lock is keyed by
	// user, not connection, so every tab of the holder may edit.
	lockHolder string
	// closed marks a room removed from the registry; joiners holding a
	// stale pointer must re-fetch.
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

func (r *Registry) getRoom(processID string) (*room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[processID]
	return rm, ok
}

func (r *Registry) ensureRoom(processID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[processID]
	if !ok {
		rm = &room{sessions: make(map[string]*ActiveSession)}
		r.rooms[processID] = rm
	}
	return rm
}

func (r *Registry) dropRoomIfEmpty(processID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.sessions) == 0 && r.rooms[processID] == rm {
		rm.closed = true
		delete(r.rooms, processID)
	}
}

func (rm *room) roster() []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		entries = append(entries, PresenceEntry{
			UserID:    s.Identity.UserID,
			Name:      s.Identity.Name,
			Email:     s.Identity.Email,
			AvatarURL: s.Identity.AvatarURL,
			IsEditing: s.IsEditing,
			Cursor:    s.Cursor,
		})
	}
	return entries
}

// Join admits a connection to a process room. The caller has already passed
// the external permission check. The joining client receives the full roster
// and lock state; everyone else learns about the new user.
func (r *Registry) Join(processID, connID string, identity Identity) []Event {
	var rm *room
	for {
		rm = r.ensureRoom(processID)
		rm.mu.Lock()
		if !rm.closed {
			break
		}
		rm.mu.Unlock()
	}
	defer rm.mu.Unlock()

	rm.sessions[connID] = &ActiveSession{
		ConnID:       connID,
		Identity:     identity,
		LastActivity: time.Now(),
	}

	roster := rm.roster()
	var lockHolder any
	if rm.lockHolder != "" {
		lockHolder = rm.lockHolder
	}

	return []Event{
		toConn(connID, "joined-process", map[string]any{
			"processId":   processID,
			"activeUsers": roster,
			"lockHolder":  lockHolder,
		}),
		toRoom(processID, connID, "user-joined", map[string]any{
			"userId":      identity.UserID,
			"userName":    identity.Name,
			"userEmail":   identity.Email,
			"userAvatar":  identity.AvatarURL,
			"activeUsers": roster,
		}),
	}
}

// Leave removes a connection from a room. Idempotent: leaving a room the
// connection is not in does nothing. If the leaving user held the lock it is
// released first, so observers never see a departed holder.
func (r *Registry) Leave(processID, connID string) []Event {
	rm, ok := r.getRoom(processID)
	if !ok {
		return nil
	}

	rm.mu.Lock()
	events := rm.removeSession(processID, connID)
	rm.mu.Unlock()

	if events != nil {
		r.dropRoomIfEmpty(processID, rm)
	}
	return events
}

// removeSession is the shared leave/disconnect path. Caller holds rm.mu.
func (rm *room) removeSession(processID, connID string) []Event {
	session, ok := rm.sessions[connID]
	if !ok {
		return nil
	}
	delete(rm.sessions, connID)

	var events []Event
	// Release the lock before any presence broadcast. Only do so when the
	// departed user has no other live session in the room.
	if rm.lockHolder == session.Identity.UserID && !rm.userPresent(session.Identity.UserID) {
		rm.lockHolder = ""
		events = append(events, toRoom(processID, "", "lock-released", map[string]any{
			"processId": processID,
			"userId":    session.Identity.UserID,
		}))
	}

	events = append(events, toRoom(processID, "", "user-left", map[string]any{
		"userId":      session.Identity.UserID,
		"userName":    session.Identity.Name,
		"activeUsers": rm.roster(),
	}))
	return events
}

func (rm *room) userPresent(userID string) bool {
	for _, s := range rm.sessions {
		if s.Identity.UserID == userID {
			return true
		}
	}
	return false
}

// Disconnect performs the equivalent of Leave for every room the connection
// participates in. The transport calls it once per physical disconnect;
// duplicate notifications degrade to no-ops.
func (r *Registry) Disconnect(connID string) []Event {
	r.mu.RLock()
	memberships := make(map[string]*room)
	for processID, rm := range r.rooms {
		memberships[processID] = rm
	}
	r.mu.RUnlock()

	var events []Event
	for processID, rm := range memberships {
		rm.mu.Lock()
		roomEvents := rm.removeSession(processID, connID)
		rm.mu.Unlock()
		if roomEvents != nil {
			events = append(events, roomEvents...)
			r.dropRoomIfEmpty(processID, rm)
		}
	}
	return events
}

// UpdateCursor records a cursor move and shares it with the rest of the
// room. A message from a connection with no session is silently dropped;
// that tolerates messages racing a disconnect.
func (r *Registry) UpdateCursor(processID, connID string, cursor Cursor) []Event {
	rm, ok := r.getRoom(processID)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	session, ok := rm.sessions[connID]
	if !ok {
		return nil
	}
	session.Cursor = &cursor
	session.LastActivity = time.Now()

	return []Event{toRoom(processID, connID, "cursor-moved", map[string]any{
		"userId":   session.Identity.UserID,
		"userName": session.Identity.Name,
		"cursor":   cursor,
	})}
}

// SetEditing records the editing flag and shares it with the rest of the
// room. Same absent-session tolerance as UpdateCursor.
func (r *Registry) SetEditing(processID, connID string, editing bool) []Event {
	rm, ok := r.getRoom(processID)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	session, ok := rm.sessions[connID]
	if !ok {
		return nil
	}
	session.IsEditing = editing
	session.LastActivity = time.Now()

	return []Event{toRoom(processID, connID, "editing-status-changed", map[string]any{
		"userId":    session.Identity.UserID,
		"userName":  session.Identity.Name,
		"isEditing": editing,
	})}
}

// RequestLock grants the process lock when it is free or already held by the
// requesting user. A denial is final for the attempt and carries the current
// holder; requesters are never queued.
func (r *Registry) RequestLock(processID, connID string) (bool, []Event) {
	rm, ok := r.getRoom(processID)
	if !ok {
		return false, []Event{toConn(connID, "lock-denied", map[string]any{
			"message": "Not in process room",
		})}
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	session, ok := rm.sessions[connID]
	if !ok {
		return false, []Event{toConn(connID, "lock-denied", map[string]any{
			"message": "Not in process room",
		})}
	}

	if rm.lockHolder != "" && rm.lockHolder != session.Identity.UserID {
		return false, []Event{toConn(connID, "lock-denied", map[string]any{
			"message":    "Process is locked by another user",
			"lockHolder": rm.lockHolder,
		})}
	}

	rm.lockHolder = session.Identity.UserID
	return true, []Event{
		toConn(connID, "lock-granted", map[string]any{
			"processId": processID,
			"userId":    session.Identity.UserID,
		}),
		toRoom(processID, connID, "process-locked", map[string]any{
			"processId": processID,
			"userId":    session.Identity.UserID,
			"userName":  session.Identity.Name,
		}),
	}
}

// ReleaseLock releases the lock when the caller holds it. A release from a
// non-holder is a silent no-op, tolerating races where the lock already
// moved on.
func (r *Registry) ReleaseLock(processID, connID string) []Event {
	rm, ok := r.getRoom(processID)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	session, ok := rm.sessions[connID]
	if !ok || rm.lockHolder != session.Identity.UserID {
		return nil
	}

	rm.lockHolder = ""
	return []Event{toRoom(processID, "", "lock-released", map[string]any{
		"processId": processID,
		"userId":    session.Identity.UserID,
	})}
}

// Update relays a document update to the rest of the room. The sender must
// hold the lock; updates without it are dropped, not queued. Broadcasting is
// distinct from persistence - saving a version is an explicit API call.
func (r *Registry) Update(processID, connID string, update any, version int) []Event {
	rm, ok := r.getRoom(processID)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	session, ok := rm.sessions[connID]
	if !ok {
		return nil
	}

	if rm.lockHolder != session.Identity.UserID {
		return []Event{toConn(connID, "update-denied", map[string]any{
			"message": "You must have the lock to update the process",
		})}
	}

	session.LastActivity = time.Now()
	return []Event{toRoom(processID, connID, "process-updated", map[string]any{
		"processId": processID,
		"update":    update,
		"version":   version,
		"userId":    session.Identity.UserID,
		"userName":  session.Identity.Name,
	})}
}

// Ping stamps activity and answers the caller.
func (r *Registry) Ping(processID, connID string) []Event {
	if rm, ok := r.getRoom(processID); ok {
		rm.mu.Lock()
		if session, ok := rm.sessions[connID]; ok {
			session.LastActivity = time.Now()
		}
		rm.mu.Unlock()
	}
	return []Event{toConn(connID, "pong", map[string]any{
		"timestamp": time.Now().UnixMilli(),
	})}
}

// SessionIdentity resolves the identity behind a connection's session in a
// room, if one exists.
func (r *Registry) SessionIdentity(processID, connID string) (Identity, bool) {
	rm, ok := r.getRoom(processID)
	if !ok {
		return Identity{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	session, ok := rm.sessions[connID]
	if !ok {
		return Identity{}, false
	}
	return session.Identity, true
}

// LockHolder reports the current holder of a process lock, if any.
func (r *Registry) LockHolder(processID string) (string, bool) {
	rm, ok := r.getRoom(processID)
	if !ok {
		return "", false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.lockHolder == "" {
		return "", false
	}
	return rm.lockHolder, true
}

// Roster returns the current presence list for a process room.
func (r *Registry) Roster(processID string) []PresenceEntry {
	rm, ok := r.getRoom(processID)
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.roster()
}

// RoomCount reports how many rooms currently exist; empty rooms are
// discarded eagerly, so this is also the number of processes with presence.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
