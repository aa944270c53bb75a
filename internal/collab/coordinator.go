package collab

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowforge/api/internal/store"
)

// Broadcaster delivers events to connections. The hub in internal/transport
// implements it; tests substitute a recorder.
type Broadcaster interface {
	Emit(event Event)
}

// CommentStore persists element comments. Comments are the one collaboration
// message that survives a restart, so they go through the relational store
// before the room hears about them.
type CommentStore interface {
	InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error)
}

// Coordinator is the externally-facing collaboration component: it applies
// registry transitions and performs the resulting emissions.
type Coordinator struct {
	registry    *Registry
	broadcaster Broadcaster
	comments    CommentStore
	logger      *zap.Logger
}

func NewCoordinator(registry *Registry, broadcaster Broadcaster, comments CommentStore, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		registry:    registry,
		broadcaster: broadcaster,
		comments:    comments,
		logger:      logger,
	}
}

func (c *Coordinator) emit(events []Event) {
	for _, event := range events {
		c.broadcaster.Emit(event)
	}
}

func (c *Coordinator) Join(processID, connID string, identity Identity) {
	c.emit(c.registry.Join(processID, connID, identity))
	c.logger.Info("user joined process",
		zap.String("processId", processID),
		zap.String("userId", identity.UserID),
		zap.String("userName", identity.Name),
	)
}

func (c *Coordinator) Leave(processID, connID string) {
	c.emit(c.registry.Leave(processID, connID))
}

func (c *Coordinator) Disconnect(connID string) {
	events := c.registry.Disconnect(connID)
	c.emit(events)
	if len(events) > 0 {
		c.logger.Info("connection cleaned up", zap.String("connId", connID))
	}
}

func (c *Coordinator) UpdateCursor(processID, connID string, cursor Cursor) {
	c.emit(c.registry.UpdateCursor(processID, connID, cursor))
}

func (c *Coordinator) SetEditing(processID, connID string, editing bool) {
	c.emit(c.registry.SetEditing(processID, connID, editing))
}

func (c *Coordinator) RequestLock(processID, connID string) {
	granted, events := c.registry.RequestLock(processID, connID)
	c.emit(events)
	if granted {
		c.logger.Info("lock granted",
			zap.String("processId", processID),
			zap.String("connId", connID),
		)
	}
}

func (c *Coordinator) ReleaseLock(processID, connID string) {
	events := c.registry.ReleaseLock(processID, connID)
	c.emit(events)
	if len(events) > 0 {
		c.logger.Info("lock released",
			zap.String("processId", processID),
			zap.String("connId", connID),
		)
	}
}

func (c *Coordinator) Update(processID, connID string, update any, version int) {
	c.emit(c.registry.Update(processID, connID, update, version))
}

// AddComment persists an element comment and announces it to the whole room,
// the author included, which doubles as the write confirmation. Unlike lock
// and cursor traffic, comments require a session but not the lock.
func (c *Coordinator) AddComment(ctx context.Context, processID, connID, elementID, body string) {
	identity, ok := c.registry.SessionIdentity(processID, connID)
	if !ok {
		c.emit([]Event{toConn(connID, "comment-denied", map[string]any{
			"message": "Not in process room",
		})})
		return
	}
	if strings.TrimSpace(body) == "" || elementID == "" {
		c.emit([]Event{toConn(connID, "comment-denied", map[string]any{
			"message": "elementId and commentText are required",
		})})
		return
	}

	stored, err := c.comments.InsertComment(ctx, store.Comment{
		ID:           uuid.NewString(),
		ProcessID:    processID,
		ElementID:    elementID,
		AuthorID:     identity.UserID,
		AuthorName:   identity.Name,
		AuthorEmail:  identity.Email,
		AuthorAvatar: identity.AvatarURL,
		Body:         body,
	})
	if err != nil {
		c.logger.Error("comment write failed",
			zap.String("processId", processID),
			zap.Error(err),
		)
		c.emit([]Event{toConn(connID, "comment-denied", map[string]any{
			"message": "Comment could not be saved",
		})})
		return
	}

	c.emit([]Event{toRoom(processID, "", "comment-added", map[string]any{
		"id":          stored.ID,
		"processId":   stored.ProcessID,
		"versionId":   stored.VersionID,
		"elementId":   stored.ElementID,
		"commentText": stored.Body,
		"createdAt":   stored.CreatedAt.UTC(),
		"user": map[string]any{
			"userId":     stored.AuthorID,
			"userName":   stored.AuthorName,
			"userEmail":  stored.AuthorEmail,
			"userAvatar": stored.AuthorAvatar,
		},
	})})
}

func (c *Coordinator) Ping(processID, connID string) {
	c.emit(c.registry.Ping(processID, connID))
}

// Registry exposes read access for the HTTP presence surface.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}
