package collab

import (
	"testing"
)

func identityA() Identity {
	return Identity{UserID: "user-a", Name: "Alice", Email: "alice@example.com"}
}

func identityB() Identity {
	return Identity{UserID: "user-b", Name: "Bob", Email: "bob@example.com"}
}

func eventNames(events []Event) []string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Name)
	}
	return names
}

func findEvent(t *testing.T, events []Event, name string) Event {
	t.Helper()
	for _, e := range events {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("event %q not found in %v", name, eventNames(events))
	return Event{}
}

func hasEvent(events []Event, name string) bool {
	for _, e := range events {
		if e.Name == name {
			return true
		}
	}
	return false
}

func TestJoinReturnsRosterAndNotifiesOthers(t *testing.T) {
	r := NewRegistry()

	events := r.Join("proc-1", "conn-a", identityA())
	joined := findEvent(t, events, "joined-process")
	if joined.ConnID != "conn-a" {
		t.Errorf("joined-process must go to the joining connection, got %q", joined.ConnID)
	}
	if joined.Payload["lockHolder"] != nil {
		t.Errorf("expected no lock holder, got %v", joined.Payload["lockHolder"])
	}
	if roster := joined.Payload["activeUsers"].([]PresenceEntry); len(roster) != 1 {
		t.Errorf("expected roster of 1, got %d", len(roster))
	}

	events = r.Join("proc-1", "conn-b", identityB())
	joined = findEvent(t, events, "joined-process")
	if roster := joined.Payload["activeUsers"].([]PresenceEntry); len(roster) != 2 {
		t.Errorf("expected roster of 2, got %d", len(roster))
	}
	userJoined := findEvent(t, events, "user-joined")
	if userJoined.Room != "proc-1" || userJoined.Exclude != "conn-b" {
		t.Errorf("user-joined must exclude the sender: %+v", userJoined)
	}
	if userJoined.Payload["userId"] != "user-b" {
		t.Errorf("unexpected user-joined payload: %v", userJoined.Payload)
	}
}

func TestLeaveIsIdempotentAndDropsEmptyRooms(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "conn-a", identityA())

	events := r.Leave("proc-1", "conn-a")
	left := findEvent(t, events, "user-left")
	if roster := left.Payload["activeUsers"].([]PresenceEntry); len(roster) != 0 {
		t.Errorf("expected empty roster after last leave, got %d", len(roster))
	}
	if r.RoomCount() != 0 {
		t.Errorf("empty room must be discarded, count=%d", r.RoomCount())
	}

	if events := r.Leave("proc-1", "conn-a"); events != nil {
		t.Errorf("second leave must be a no-op, got %v", eventNames(events))
	}
}

func TestCursorAndEditingIgnoreUnknownSessions(t *testing.T) {
	r := NewRegistry()

	if events := r.UpdateCursor("proc-1", "ghost", Cursor{X: 1, Y: 2}); events != nil {
		t.Errorf("cursor from unknown session must be dropped, got %v", eventNames(events))
	}
	if events := r.SetEditing("proc-1", "ghost", true); events != nil {
		t.Errorf("editing from unknown session must be dropped, got %v", eventNames(events))
	}

	r.Join("proc-1", "conn-a", identityA())
	r.Join("proc-1", "conn-b", identityB())

	events := r.UpdateCursor("proc-1", "conn-a", Cursor{X: 10, Y: 20, ElementID: "node-3"})
	moved := findEvent(t, events, "cursor-moved")
	if moved.Exclude != "conn-a" {
		t.Errorf("cursor-moved must not echo to the sender: %+v", moved)
	}
	if moved.Payload["userId"] != "user-a" {
		t.Errorf("unexpected cursor payload: %v", moved.Payload)
	}

	events = r.SetEditing("proc-1", "conn-b", true)
	changed := findEvent(t, events, "editing-status-changed")
	if changed.Payload["isEditing"] != true {
		t.Errorf("unexpected editing payload: %v", changed.Payload)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "conn-a", identityA())
	r.Join("proc-1", "conn-b", identityB())

	granted, events := r.RequestLock("proc-1", "conn-a")
	if !granted {
		t.Fatalf("expected grant, got %v", eventNames(events))
	}
	findEvent(t, events, "lock-granted")
	locked := findEvent(t, events, "process-locked")
	if locked.Exclude != "conn-a" {
		t.Errorf("process-locked must exclude the new holder: %+v", locked)
	}

	granted, events = r.RequestLock("proc-1", "conn-b")
	if granted {
		t.Fatal("expected denial while another user holds the lock")
	}
	denied := findEvent(t, events, "lock-denied")
	if denied.ConnID != "conn-b" {
		t.Errorf("denial must go to the requester only: %+v", denied)
	}
	if denied.Payload["lockHolder"] != "user-a" {
		t.Errorf("denial must carry the holder identity, got %v", denied.Payload)
	}

	if holder, ok := r.LockHolder("proc-1"); !ok || holder != "user-a" {
		t.Errorf("expected holder user-a, got %q ok=%v", holder, ok)
	}
}

func TestLockIsReentrantForSameUser(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "conn-a", identityA())

	if granted, _ := r.RequestLock("proc-1", "conn-a"); !granted {
		t.Fatal("expected initial grant")
	}
	if granted, _ := r.RequestLock("proc-1", "conn-a"); !granted {
		t.Error("repeat request from the holder must succeed")
	}
}

func TestRequestLockWithoutSession(t *testing.T) {
	r := NewRegistry()
	granted, events := r.RequestLock("proc-1", "conn-x")
	if granted {
		t.Fatal("expected denial for connection outside the room")
	}
	denied := findEvent(t, events, "lock-denied")
	if denied.Payload["message"] != "Not in process room" {
		t.Errorf("unexpected denial message: %v", denied.Payload)
	}
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "conn-a", identityA())
	r.Join("proc-1", "conn-b", identityB())
	r.RequestLock("proc-1", "conn-a")

	if events := r.ReleaseLock("proc-1", "conn-b"); events != nil {
		t.Errorf("non-holder release must be silent, got %v", eventNames(events))
	}
	if holder, _ := r.LockHolder("proc-1"); holder != "user-a" {
		t.Errorf("lock must still be held by user-a, got %q", holder)
	}
}

func TestLockHandoffScenario(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "conn-a", identityA())
	r.Join("proc-1", "conn-b", identityB())

	if granted, _ := r.RequestLock("proc-1", "conn-a"); !granted {
		t.Fatal("expected grant for A")
	}
	if granted, _ := r.RequestLock("proc-1", "conn-b"); granted {
		t.Fatal("expected denial for B while A holds the lock")
	}

	events := r.ReleaseLock("proc-1", "conn-a")
	findEvent(t, events, "lock-released")

	if granted, _ := r.RequestLock("proc-1", "conn-b"); !granted {
		t.Error("B must acquire the lock after A releases it")
	}
}

func TestDisconnectReleasesLockBeforePresenceBroadcast(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "conn-a", identityA())
	r.Join("proc-1", "conn-b", identityB())
	r.RequestLock("proc-1", "conn-a")

	events := r.Disconnect("conn-a")
	names := eventNames(events)
	if len(names) < 2 || names[0] != "lock-released" || names[1] != "user-left" {
		t.Fatalf("expected lock-released before user-left, got %v", names)
	}

	if granted, _ := r.RequestLock("proc-1", "conn-b"); !granted {
		t.Error("a remaining user must be able to acquire the lock immediately")
	}
}

func TestDisconnectUnknownConnection(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "conn-a", identityA())
	if events := r.Disconnect("conn-z"); events != nil {
		t.Errorf("unknown disconnect must be a no-op, got %v", eventNames(events))
	}
}

func TestUpdateRequiresLock(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "conn-a", identityA())
	r.Join("proc-1", "conn-b", identityB())
	r.RequestLock("proc-1", "conn-a")

	events := r.Update("proc-1", "conn-b", map[string]any{"op": "move"}, 3)
	denied := findEvent(t, events, "update-denied")
	if denied.ConnID != "conn-b" {
		t.Errorf("denial must go to the sender only: %+v", denied)
	}
	if hasEvent(events, "process-updated") {
		t.Error("a denied update must not be relayed")
	}

	events = r.Update("proc-1", "conn-a", map[string]any{"op": "move"}, 3)
	updated := findEvent(t, events, "process-updated")
	if updated.Exclude != "conn-a" {
		t.Errorf("update must not echo to the sender: %+v", updated)
	}
	if updated.Payload["version"] != 3 {
		t.Errorf("unexpected update payload: %v", updated.Payload)
	}
}

func TestSameUserSecondTabKeepsLock(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "tab-1", identityA())
	r.Join("proc-1", "tab-2", identityA())
	r.RequestLock("proc-1", "tab-1")

	// Closing one tab must not release the lock while the user is still
	// present through the other.
	events := r.Leave("proc-1", "tab-1")
	if hasEvent(events, "lock-released") {
		t.Error("lock must survive while the holder has another session")
	}
	if holder, _ := r.LockHolder("proc-1"); holder != "user-a" {
		t.Errorf("expected user-a to keep the lock, got %q", holder)
	}

	events = r.Leave("proc-1", "tab-2")
	if !hasEvent(events, "lock-released") {
		t.Error("last session leaving must release the lock")
	}
}

func TestPingAnswersSender(t *testing.T) {
	r := NewRegistry()
	r.Join("proc-1", "conn-a", identityA())

	events := r.Ping("proc-1", "conn-a")
	pong := findEvent(t, events, "pong")
	if pong.ConnID != "conn-a" {
		t.Errorf("pong must go to the sender: %+v", pong)
	}
}
