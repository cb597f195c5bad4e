// Package collab implements the real-time collaborative editing core:
// connection admission, room membership, message routing and best-effort
// fan-out, with every accepted edit durably recorded before peers see it.
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	persistTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
)

// saveFailedMessage is the error frame text for a dropped edit.
const saveFailedMessage = "Failed to save changes"

// Revision is one accepted edit, handed to the store before broadcast.
type Revision struct {
	EntryID      int64
	AuthorID     int64
	Title        string
	Content      string
	Category     string
	Tags         []string
	RevisionNote string
}

// RevisionStore durably records edits. An edit whose save fails is never
// broadcast.
type RevisionStore interface {
	SaveRevision(ctx context.Context, rev Revision) error
}

// Backplane fans room frames out to other service instances. Delivery is
// best-effort and never blocks or fails local broadcast.
type Backplane interface {
	Publish(ctx context.Context, entryID int64, frame []byte) error
}

// Hub owns the connection registry and the room directory. A room exists
// exactly as long as it has members; the last member leaving deletes it.
type Hub struct {
	store RevisionStore
	log   *zap.Logger
	bp    Backplane

	mu    sync.RWMutex
	conns map[*Conn]struct{}
	rooms map[int64]map[*Conn]struct{}
}

func NewHub(store RevisionStore, log *zap.Logger) *Hub {
	return &Hub{
		store: store,
		log:   log,
		conns: make(map[*Conn]struct{}),
		rooms: make(map[int64]map[*Conn]struct{}),
	}
}

// UseBackplane attaches a cross-instance backplane. Must be called
// before the hub starts serving connections.
func (h *Hub) UseBackplane(bp Backplane) {
	h.bp = bp
}

// Register admits a connection with no room membership.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()

	h.log.Info("connection registered",
		zap.String("conn", c.id),
		zap.Int64("userId", c.identity.UserID),
		zap.Int("total", total))
}

// Unregister removes a connection and its room memberships, notifying
// the remaining members of each room it was in. Idempotent.
func (h *Hub) Unregister(c *Conn) {
	type departure struct {
		entryID int64
		frame   []byte
	}

	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)

	var departures []departure
	for entryID := range c.rooms {
		members, _ := h.removeMemberLocked(c, entryID)
		frame, err := encodeEvent(TypeLeave, entryID, c.identity, nil)
		if err != nil {
			continue
		}
		h.fanOutLocked(frame, members, nil)
		departures = append(departures, departure{entryID, frame})
	}
	h.mu.Unlock()

	c.shutdown()

	for _, d := range departures {
		h.publish(d.entryID, d.frame)
	}

	h.log.Info("connection unregistered", zap.String("conn", c.id))
}

// Join adds the connection to the room for entryID, creating the room
// lazily, and notifies the existing members. Re-joining a room already
// joined is a no-op; joining a second room keeps membership in the
// first.
func (h *Hub) Join(c *Conn, entryID int64) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	members, ok := h.rooms[entryID]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[entryID] = members
	}
	if _, already := members[c]; already {
		h.mu.Unlock()
		return
	}
	members[c] = struct{}{}
	c.rooms[entryID] = struct{}{}
	total := len(members)

	frame, err := encodeEvent(TypeJoin, entryID, c.identity, nil)
	if err != nil {
		h.mu.Unlock()
		return
	}
	h.fanOutLocked(frame, members, c)
	h.mu.Unlock()

	h.log.Info("joined room",
		zap.Int64("entryId", entryID),
		zap.Int64("userId", c.identity.UserID),
		zap.Int("members", total))

	h.publish(entryID, frame)
}

// Leave removes the connection from the room and notifies the remaining
// members. No-op when the connection was not a member.
func (h *Hub) Leave(c *Conn, entryID int64) {
	h.mu.Lock()
	members, wasMember := h.removeMemberLocked(c, entryID)
	var frame []byte
	if wasMember {
		var err error
		if frame, err = encodeEvent(TypeLeave, entryID, c.identity, nil); err == nil {
			h.fanOutLocked(frame, members, nil)
		}
	}
	h.mu.Unlock()

	if !wasMember || frame == nil {
		return
	}

	h.log.Info("left room",
		zap.Int64("entryId", entryID),
		zap.Int64("userId", c.identity.UserID))

	h.publish(entryID, frame)
}

// removeMemberLocked drops c from the room and deletes the room when it
// empties. Returns the remaining members and whether c was one.
func (h *Hub) removeMemberLocked(c *Conn, entryID int64) (map[*Conn]struct{}, bool) {
	members, ok := h.rooms[entryID]
	if !ok {
		return nil, false
	}
	if _, ok := members[c]; !ok {
		return nil, false
	}
	delete(members, c)
	delete(c.rooms, entryID)
	if len(members) == 0 {
		delete(h.rooms, entryID)
		h.log.Info("room closed", zap.Int64("entryId", entryID))
	}
	return members, true
}

// HandleFrame routes one inbound frame from c. Decode failures and
// unsupported types are reported to the sender only; the connection
// stays open.
func (h *Hub) HandleFrame(c *Conn, raw []byte) {
	msg, err := DecodeFrame(raw)
	if err != nil {
		h.log.Debug("rejected frame", zap.String("conn", c.id), zap.Error(err))
		c.trySend(encodeError(err.Error()))
		return
	}

	switch m := msg.(type) {
	case JoinMessage:
		h.Join(c, m.EntryID)
	case LeaveMessage:
		h.Leave(c, m.EntryID)
	case EditMessage:
		h.handleEdit(c, m)
	case CursorMessage:
		h.relay(c, TypeCursor, m.EntryID, m.Payload)
	case SelectionMessage:
		h.relay(c, TypeSelection, m.EntryID, m.Payload)
	}
}

// handleEdit persists the revision, then broadcasts. On a failed save
// the sender gets exactly one error frame and peers see nothing.
func (h *Hub) handleEdit(c *Conn, m EditMessage) {
	rev := Revision{
		EntryID:      m.EntryID,
		AuthorID:     c.identity.UserID,
		Title:        m.Payload.Title,
		Content:      m.Payload.Content,
		Category:     m.Payload.Category,
		Tags:         m.Payload.Tags,
		RevisionNote: m.Payload.RevisionNote,
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := h.store.SaveRevision(ctx, rev); err != nil {
		h.log.Error("revision save failed",
			zap.Int64("entryId", m.EntryID),
			zap.Int64("authorId", rev.AuthorID),
			zap.Error(err))
		c.trySend(encodeError(saveFailedMessage))
		return
	}

	h.relay(c, TypeEdit, m.EntryID, m.Payload)
}

// relay broadcasts an event from c to the rest of its room.
func (h *Hub) relay(c *Conn, typ string, entryID int64, payload any) {
	frame, err := encodeEvent(typ, entryID, c.identity, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("type", typ), zap.Error(err))
		return
	}
	h.broadcast(entryID, frame, c)
	h.publish(entryID, frame)
}

// broadcast delivers a frame to every room member except exclude. The
// fan-out runs under the exclusive hub lock so that all members of a
// room observe its events in one agreed order even when senders race;
// sends never block, so holding the lock cannot stall on a peer.
func (h *Hub) broadcast(entryID int64, frame []byte, exclude *Conn) {
	h.mu.Lock()
	h.fanOutLocked(frame, h.rooms[entryID], exclude)
	h.mu.Unlock()
}

func (h *Hub) fanOutLocked(frame []byte, members map[*Conn]struct{}, exclude *Conn) {
	for m := range members {
		if m == exclude {
			continue
		}
		if !m.trySend(frame) {
			// Closed transports are skipped; a live one with a full
			// buffer is a slow consumer and gets cut loose.
			m.closeTransport()
		}
	}
}

func (h *Hub) publish(entryID int64, frame []byte) {
	if h.bp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.bp.Publish(ctx, entryID, frame); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Warn("backplane publish failed", zap.Int64("entryId", entryID), zap.Error(err))
	}
}

// DeliverRemote injects a frame received from another instance into the
// local room. No sender exclusion: the origin instance filtered itself.
func (h *Hub) DeliverRemote(entryID int64, frame []byte) {
	h.broadcast(entryID, frame, nil)
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ConnCount returns the number of admitted connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Presence maps each active entry id to its member count.
func (h *Hub) Presence() map[int64]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[int64]int, len(h.rooms))
	for entryID, members := range h.rooms {
		out[entryID] = len(members)
	}
	return out
}
