package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knowhub/collab/internal/auth"
)

type fakeStore struct {
	mu    sync.Mutex
	saved []Revision
	err   error
}

func (f *fakeStore) SaveRevision(ctx context.Context, rev Revision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, rev)
	return nil
}

func (f *fakeStore) revisions() []Revision {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Revision, len(f.saved))
	copy(out, f.saved)
	return out
}

type fakeBackplane struct {
	mu        sync.Mutex
	published [][]byte
}

func (f *fakeBackplane) Publish(ctx context.Context, entryID int64, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, frame)
	return nil
}

func newTestHub(store RevisionStore) *Hub {
	if store == nil {
		store = &fakeStore{}
	}
	return NewHub(store, zap.NewNop())
}

func newTestConn(t *testing.T, h *Hub, userID int64, username string) *Conn {
	t.Helper()
	c := newConn(h, nil, auth.Identity{UserID: userID, Username: username}, zap.NewNop())
	h.Register(c)
	return c
}

// drain returns every frame queued on the connection so far.
func drain(t *testing.T, c *Conn) []frame {
	t.Helper()
	var frames []frame
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return frames
			}
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func rawFrame(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

func TestJoinNotifiesExistingMembersOnly(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u1, 42)
	h.Join(u2, 42)

	u1Frames := drain(t, u1)
	require.Len(t, u1Frames, 1)
	assert.Equal(t, TypeJoin, u1Frames[0].Type)
	assert.Equal(t, int64(42), u1Frames[0].EntryID)
	assert.Equal(t, int64(2), u1Frames[0].UserID)
	assert.Equal(t, "bob", u1Frames[0].Username)

	// The joiner never sees its own join.
	assert.Empty(t, drain(t, u2))
}

func TestRoomExistsIffNonEmpty(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	assert.Equal(t, 0, h.RoomCount())

	h.Join(u1, 7)
	assert.Equal(t, 1, h.RoomCount())

	h.Join(u2, 7)
	assert.Equal(t, 1, h.RoomCount())

	h.Leave(u1, 7)
	assert.Equal(t, 1, h.RoomCount())

	h.Leave(u2, 7)
	assert.Equal(t, 0, h.RoomCount())
}

func TestRejoinSameRoomIsIdempotent(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u1, 5)
	h.Join(u2, 5)
	drain(t, u1)

	h.Join(u2, 5)

	assert.Empty(t, drain(t, u1), "re-join must not produce a duplicate broadcast")
	assert.Equal(t, map[int64]int{5: 2}, h.Presence())
}

func TestMultiRoomMembership(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")

	h.Join(u1, 1)
	h.Join(u1, 2)

	assert.Equal(t, map[int64]int{1: 1, 2: 1}, h.Presence())

	h.Leave(u1, 1)
	assert.Equal(t, map[int64]int{2: 1}, h.Presence())
}

func TestLeaveNotifiesRemainingMembers(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u1, 9)
	h.Join(u2, 9)
	drain(t, u1)

	h.Leave(u2, 9)

	u1Frames := drain(t, u1)
	require.Len(t, u1Frames, 1)
	assert.Equal(t, TypeLeave, u1Frames[0].Type)
	assert.Equal(t, int64(2), u1Frames[0].UserID)

	// The leaver sees nothing.
	assert.Empty(t, drain(t, u2))
}

func TestLeaveWhenNotMemberIsNoop(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u1, 3)
	h.Leave(u2, 3)
	h.Leave(u2, 99)

	assert.Empty(t, drain(t, u1))
	assert.Empty(t, drain(t, u2))
	assert.Equal(t, 1, h.RoomCount())
}

func TestEditPersistsThenBroadcasts(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(store)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u1, 42)
	h.Join(u2, 42)
	drain(t, u1)

	h.HandleFrame(u1, rawFrame(t, map[string]any{
		"type":    "edit",
		"entryId": 42,
		"data": map[string]any{
			"title":    "T",
			"content":  "C",
			"category": "cat",
			"tags":     []string{},
		},
	}))

	saved := store.revisions()
	require.Len(t, saved, 1)
	assert.Equal(t, int64(42), saved[0].EntryID)
	assert.Equal(t, int64(1), saved[0].AuthorID)
	assert.Equal(t, "T", saved[0].Title)
	assert.Equal(t, "C", saved[0].Content)
	assert.Equal(t, DefaultRevisionNote, saved[0].RevisionNote)

	u2Frames := drain(t, u2)
	require.Len(t, u2Frames, 1)
	assert.Equal(t, TypeEdit, u2Frames[0].Type)
}

func TestEditBroadcastPayload(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(store)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u2, 42)
	h.Join(u1, 42)
	drain(t, u1)
	drain(t, u2)

	h.HandleFrame(u1, rawFrame(t, map[string]any{
		"type":    "edit",
		"entryId": 42,
		"data": map[string]any{
			"title":   "T",
			"content": "C",
			"tags":    []string{"go", "testing"},
		},
	}))

	// Sender does not receive its own edit.
	assert.Empty(t, drain(t, u1))

	u2Frames := drain(t, u2)
	require.Len(t, u2Frames, 1)
	assert.Equal(t, TypeEdit, u2Frames[0].Type)
	assert.Equal(t, int64(1), u2Frames[0].UserID)
	assert.Equal(t, "alice", u2Frames[0].Username)

	var payload EditPayload
	require.NoError(t, json.Unmarshal(u2Frames[0].Data, &payload))
	assert.Equal(t, "T", payload.Title)
	assert.Equal(t, "C", payload.Content)
	assert.Equal(t, []string{"go", "testing"}, payload.Tags)
	assert.Equal(t, DefaultRevisionNote, payload.RevisionNote)
}

func TestEditPersistenceFailureSuppressesBroadcast(t *testing.T) {
	store := &fakeStore{err: errors.New("storage down")}
	h := newTestHub(store)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u2, 42)
	h.Join(u1, 42)
	drain(t, u1)
	drain(t, u2)

	h.HandleFrame(u1, rawFrame(t, map[string]any{
		"type":    "edit",
		"entryId": 42,
		"data":    map[string]any{"title": "T", "content": "C"},
	}))

	u1Frames := drain(t, u1)
	require.Len(t, u1Frames, 1, "sender gets exactly one error frame")
	assert.Equal(t, TypeError, u1Frames[0].Type)
	assert.Equal(t, "Failed to save changes", u1Frames[0].Message)

	assert.Empty(t, drain(t, u2), "peers must not see a failed edit")
	assert.Empty(t, store.revisions())
}

func TestCursorAndSelectionAreNotPersisted(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(store)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u2, 8)
	h.Join(u1, 8)
	drain(t, u2)

	h.HandleFrame(u1, rawFrame(t, map[string]any{
		"type":    "cursor",
		"entryId": 8,
		"data":    map[string]any{"line": 3, "ch": 14},
	}))
	h.HandleFrame(u1, rawFrame(t, map[string]any{
		"type":    "selection",
		"entryId": 8,
		"data": map[string]any{
			"from": map[string]any{"line": 0, "ch": 0},
			"to":   map[string]any{"line": 2, "ch": 5},
		},
	}))

	assert.Empty(t, store.revisions())

	u2Frames := drain(t, u2)
	require.Len(t, u2Frames, 2)
	assert.Equal(t, TypeCursor, u2Frames[0].Type)
	assert.Equal(t, TypeSelection, u2Frames[1].Type)
}

func TestMalformedFrameReportsToSenderOnly(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u2, 4)
	h.Join(u1, 4)
	drain(t, u2)

	h.HandleFrame(u1, []byte("{not json"))

	u1Frames := drain(t, u1)
	require.Len(t, u1Frames, 1)
	assert.Equal(t, TypeError, u1Frames[0].Type)
	assert.NotEmpty(t, u1Frames[0].Message)

	assert.Empty(t, drain(t, u2), "peers never see another user's error")
	assert.Equal(t, 2, h.ConnCount(), "connection stays open")
}

func TestUnsupportedTypeReportsToSender(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")

	h.HandleFrame(u1, rawFrame(t, map[string]any{"type": "dance", "entryId": 1}))

	frames := drain(t, u1)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeError, frames[0].Type)
	assert.Equal(t, 1, h.ConnCount())
}

func TestUnregisterNotifiesEveryRoomOnce(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u2, 1)
	h.Join(u2, 2)
	h.Join(u1, 1)
	h.Join(u1, 2)
	drain(t, u2)

	h.Unregister(u1)
	h.Unregister(u1) // idempotent

	u2Frames := drain(t, u2)
	require.Len(t, u2Frames, 2)
	for _, f := range u2Frames {
		assert.Equal(t, TypeLeave, f.Type)
		assert.Equal(t, int64(1), f.UserID)
	}

	assert.Equal(t, 1, h.ConnCount())
	assert.Equal(t, map[int64]int{1: 1, 2: 1}, h.Presence())
}

func TestUnregisterDeletesEmptiedRooms(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")

	h.Join(u1, 1)
	h.Join(u1, 2)
	h.Unregister(u1)

	assert.Equal(t, 0, h.RoomCount())
	assert.Equal(t, 0, h.ConnCount())
}

func TestJoinAfterUnregisterIsIgnored(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")

	h.Unregister(u1)
	h.Join(u1, 3)

	assert.Equal(t, 0, h.RoomCount())
}

func TestSlowConsumerDoesNotStallRoom(t *testing.T) {
	h := newTestHub(nil)
	slow := newTestConn(t, h, 1, "slow")
	fast := newTestConn(t, h, 2, "fast")
	sender := newTestConn(t, h, 3, "sender")

	h.Join(slow, 6)
	h.Join(fast, 6)
	h.Join(sender, 6)
	drain(t, fast)

	// Fill the slow member's outbound buffer completely.
	for slow.trySend([]byte("x")) {
	}

	h.HandleFrame(sender, rawFrame(t, map[string]any{
		"type":    "cursor",
		"entryId": 6,
		"data":    map[string]any{"line": 1, "ch": 1},
	}))

	fastFrames := drain(t, fast)
	require.Len(t, fastFrames, 1)
	assert.Equal(t, TypeCursor, fastFrames[0].Type)
}

func TestDeliverRemoteReachesAllMembers(t *testing.T) {
	h := newTestHub(nil)
	u1 := newTestConn(t, h, 1, "alice")
	u2 := newTestConn(t, h, 2, "bob")

	h.Join(u1, 11)
	h.Join(u2, 11)
	drain(t, u1)

	remote, err := encodeEvent(TypeEdit, 11, auth.Identity{UserID: 9, Username: "carol"}, EditPayload{Title: "T", Content: "C"})
	require.NoError(t, err)

	h.DeliverRemote(11, remote)

	for _, c := range []*Conn{u1, u2} {
		frames := drain(t, c)
		require.Len(t, frames, 1)
		assert.Equal(t, int64(9), frames[0].UserID)
	}
}

func TestBackplaneReceivesRoomEvents(t *testing.T) {
	bp := &fakeBackplane{}
	h := newTestHub(nil)
	h.UseBackplane(bp)

	u1 := newTestConn(t, h, 1, "alice")
	h.Join(u1, 2)
	h.HandleFrame(u1, rawFrame(t, map[string]any{
		"type":    "cursor",
		"entryId": 2,
		"data":    map[string]any{"line": 0, "ch": 0},
	}))

	bp.mu.Lock()
	defer bp.mu.Unlock()
	assert.Len(t, bp.published, 2) // join + cursor
}

func TestRoomObserversAgreeOnBroadcastOrder(t *testing.T) {
	h := newTestHub(nil)
	s1 := newTestConn(t, h, 1, "s1")
	s2 := newTestConn(t, h, 2, "s2")
	p := newTestConn(t, h, 3, "p")
	q := newTestConn(t, h, 4, "q")

	for _, c := range []*Conn{s1, s2, p, q} {
		h.Join(c, 77)
	}
	for _, c := range []*Conn{s1, s2, p, q} {
		drain(t, c)
	}

	frame1 := rawFrame(t, map[string]any{
		"type":    "cursor",
		"entryId": 77,
		"data":    map[string]any{"line": 1, "ch": 0},
	})
	frame2 := rawFrame(t, map[string]any{
		"type":    "cursor",
		"entryId": 77,
		"data":    map[string]any{"line": 2, "ch": 0},
	})

	senderOrder := func(frames []frame) []int64 {
		order := make([]int64, 0, len(frames))
		for _, f := range frames {
			order = append(order, f.UserID)
		}
		return order
	}

	for i := 0; i < 2000; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.HandleFrame(s1, frame1)
		}()
		go func() {
			defer wg.Done()
			h.HandleFrame(s2, frame2)
		}()
		wg.Wait()

		pOrder := senderOrder(drain(t, p))
		qOrder := senderOrder(drain(t, q))
		require.Len(t, pOrder, 2)
		require.Equal(t, pOrder, qOrder, "iteration %d: room members observed different orders", i)

		drain(t, s1)
		drain(t, s2)
	}
}

func TestConcurrentJoinsAndLeaves(t *testing.T) {
	h := newTestHub(nil)

	var wg sync.WaitGroup
	conns := make([]*Conn, 50)
	for i := range conns {
		conns[i] = newTestConn(t, h, int64(i+1), fmt.Sprintf("user-%d", i+1))
	}

	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()
			h.Join(c, int64(i%5))
			h.Join(c, int64(100+i%3))
			h.Leave(c, int64(i%5))
		}(i, c)
	}
	wg.Wait()

	assert.Equal(t, 3, h.RoomCount())

	for _, c := range conns {
		h.Unregister(c)
	}
	assert.Equal(t, 0, h.RoomCount())
	assert.Equal(t, 0, h.ConnCount())
}
