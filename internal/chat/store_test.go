package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// --- Fakes ---

type sendCall struct {
	conversationID string
	text           string
	imagePath      string
}

type fakeAPI struct {
	mu sync.Mutex

	convs    []Conversation
	convsErr error
	msgs     map[string][]Message
	msgsErr  error
	start    Conversation
	startErr error

	listCalls    int
	readCalls    []string
	sendCalls    []sendCall
	deletedMsgs  []string
	deletedConvs []string
}

func (f *fakeAPI) Conversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.convsErr != nil {
		return nil, f.convsErr
	}
	out := make([]Conversation, len(f.convs))
	copy(out, f.convs)
	return out, nil
}

func (f *fakeAPI) StartConversation(ctx context.Context, participantID string) (Conversation, error) {
	return f.start, f.startErr
}

func (f *fakeAPI) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgsErr != nil {
		return nil, f.msgsErr
	}
	return f.msgs[conversationID], nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, conversationID)
	return nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID, text, imagePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls = append(f.sendCalls, sendCall{conversationID, text, imagePath})
	return nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedMsgs = append(f.deletedMsgs, messageID)
	return nil
}

func (f *fakeAPI) DeleteConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedConvs = append(f.deletedConvs, conversationID)
	return nil
}

func (f *fakeAPI) readCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.readCalls {
		if id == conversationID {
			n++
		}
	}
	return n
}

type emitted struct {
	event string
	data  any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{event, data})
	return nil
}

func (f *fakeEmitter) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeCache struct {
	mu    sync.Mutex
	convs []Conversation
	msgs  map[string][]Message
}

func newFakeCache() *fakeCache {
	return &fakeCache{msgs: map[string][]Message{}}
}

func (f *fakeCache) SaveConversations(convs []Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = make([]Conversation, len(convs))
	copy(f.convs, convs)
	return nil
}

func (f *fakeCache) LoadConversations() ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Conversation, len(f.convs))
	copy(out, f.convs)
	return out, nil
}

func (f *fakeCache) SaveMessages(conversationID string, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[conversationID] = append([]Message(nil), msgs...)
	return nil
}

func (f *fakeCache) LoadMessages(conversationID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs[conversationID]...), nil
}

func (f *fakeCache) SaveMessage(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[msg.ConversationID] = append(f.msgs[msg.ConversationID], msg)
	return nil
}

func (f *fakeCache) DeleteMessage(messageID string) error { return nil }

func (f *fakeCache) DeleteConversation(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.convs[:0]
	for _, c := range f.convs {
		if c.ID != conversationID {
			kept = append(kept, c)
		}
	}
	f.convs = kept
	delete(f.msgs, conversationID)
	return nil
}

// --- Helpers ---

const viewer = "user-1"

func conv(id string, updatedAt time.Time, unread int) Conversation {
	return Conversation{
		ID:          id,
		Other:       Participant{ID: "peer-" + id, Name: "Peer " + id},
		UpdatedAt:   updatedAt,
		UnreadCount: unread,
	}
}

func msg(id, convID, sender string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: convID,
		Sender:         Participant{ID: sender},
		Text:           "hello",
		CreatedAt:      at,
	}
}

func newTestStore(api *fakeAPI, emitter Emitter) *Store {
	return NewStore(api, emitter, nil, viewer, time.Second, zerolog.Nop())
}

// --- Tests ---

func TestApplyIncomingIsIdempotent(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Open(context.Background(), "c1")

	m := msg("m1", "c1", "peer", time.Now())
	s.HandleNewMessage(m)
	s.HandleNewMessage(m)

	if got := len(s.Messages()); got != 1 {
		t.Fatalf("expected exactly one copy of the message, got %d", got)
	}
}

func TestStreamOrderingIsNonDecreasing(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Open(context.Background(), "c1")

	base := time.Now()
	s.HandleNewMessage(msg("m2", "c1", "peer", base.Add(2*time.Second)))
	s.HandleNewMessage(msg("m1", "c1", "peer", base.Add(1*time.Second)))
	s.HandleNewMessage(msg("m3", "c1", "peer", base.Add(3*time.Second)))

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("stream out of order at %d: %v before %v", i, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func TestOpenZeroesUnreadAndMarksRead(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 4)},
		msgs: map[string][]Message{
			"c1": {msg("m1", "c1", "peer", time.Now())},
		},
	}
	s := newTestStore(f, nil)
	s.Load(context.Background())
	s.Open(context.Background(), "c1")

	for _, c := range s.Conversations() {
		if c.ID == "c1" && c.UnreadCount != 0 {
			t.Errorf("unread count after open = %d, want 0", c.UnreadCount)
		}
	}
	if n := f.readCount("c1"); n != 1 {
		t.Errorf("read calls = %d, want 1", n)
	}
}

func TestOpenWithNoHistoryStillMarksRead(t *testing.T) {
	// A 404 history fetch comes back from the api package as (nil, nil).
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 2)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Load(context.Background())
	s.Open(context.Background(), "c1")

	if got := len(s.Messages()); got != 0 {
		t.Errorf("expected empty stream, got %d messages", got)
	}
	if n := f.readCount("c1"); n != 1 {
		t.Errorf("read calls = %d, want 1", n)
	}
}

func TestDeepLinkedOpenReloadsList(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c9", time.Now(), 0)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)

	// c9 is not in the (empty) local list, so Open must reload first.
	s.Open(context.Background(), "c9")

	if f.listCalls == 0 {
		t.Error("expected a list reload for a deep-linked conversation")
	}
	if s.ActiveID() != "c9" {
		t.Errorf("active = %q, want c9", s.ActiveID())
	}
}

func TestReadPropagation(t *testing.T) {
	base := time.Now()
	f := &fakeAPI{
		convs: []Conversation{conv("c1", base, 0)},
		msgs: map[string][]Message{
			"c1": {
				msg("m1", "c1", viewer, base),
				msg("m2", "c1", "peer", base.Add(time.Second)),
			},
		},
	}
	s := newTestStore(f, nil)
	s.Open(context.Background(), "c1")

	s.HandleMessagesRead("c1", "peer-c1")
	for _, m := range s.Messages() {
		if !m.readBy("peer-c1") {
			t.Errorf("message %s missing reader in readBy", m.ID)
		}
	}

	// Applying the same receipt twice must not duplicate entries.
	s.HandleMessagesRead("c1", "peer-c1")
	for _, m := range s.Messages() {
		n := 0
		for _, id := range m.ReadBy {
			if id == "peer-c1" {
				n++
			}
		}
		if n != 1 {
			t.Errorf("message %s has %d readBy entries for the same reader", m.ID, n)
		}
	}
}

func TestReadEventWithoutReaderMarksViewer(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0)},
		msgs: map[string][]Message{
			"c1": {msg("m1", "c1", "peer", time.Now())},
		},
	}
	s := newTestStore(f, nil)
	s.Open(context.Background(), "c1")

	s.HandleMessagesRead("c1", "")
	for _, m := range s.Messages() {
		if !m.readBy(viewer) {
			t.Errorf("message %s not marked read by viewer", m.ID)
		}
	}
}

func TestDeletionIsIdempotent(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0)},
		msgs: map[string][]Message{
			"c1": {msg("m1", "c1", "peer", time.Now())},
		},
	}
	s := newTestStore(f, nil)
	s.Open(context.Background(), "c1")

	s.HandleMessageDeleted("c1", "m1")
	s.HandleMessageDeleted("c1", "m1")
	s.HandleMessageDeleted("c1", "never-existed")

	if got := len(s.Messages()); got != 0 {
		t.Errorf("expected empty stream, got %d messages", got)
	}
}

func TestIncomingReordersConversations(t *testing.T) {
	t0 := time.Now()
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)

	f := &fakeAPI{
		convs: []Conversation{conv("a", t0, 0), conv("b", t1, 2)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Load(context.Background())

	s.HandleNewMessage(msg("m1", "a", "peer", t2))

	convs := s.Conversations()
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != "a" || convs[1].ID != "b" {
		t.Errorf("order = [%s %s], want [a b]", convs[0].ID, convs[1].ID)
	}
	if convs[0].UnreadCount != 1 {
		t.Errorf("a.unread = %d, want 1", convs[0].UnreadCount)
	}
	if !convs[0].UpdatedAt.Equal(t2) {
		t.Errorf("a.updatedAt = %v, want %v", convs[0].UpdatedAt, t2)
	}
	if convs[1].UnreadCount != 2 {
		t.Errorf("b.unread = %d, want 2 (untouched)", convs[1].UnreadCount)
	}
}

func TestIncomingForOpenConversationStaysRead(t *testing.T) {
	t0 := time.Now()
	f := &fakeAPI{
		convs: []Conversation{conv("a", t0, 0)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Load(context.Background())
	s.Open(context.Background(), "a")

	s.HandleNewMessage(msg("m1", "a", "peer", t0.Add(time.Second)))

	convs := s.Conversations()
	if convs[0].UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for the open conversation", convs[0].UnreadCount)
	}
	if got := len(s.Messages()); got != 1 {
		t.Errorf("stream length = %d, want 1", got)
	}

	// The read acknowledgment goes out in the background.
	waitFor(t, func() bool { return f.readCount("a") >= 2 })
}

func TestOwnEchoDoesNotIncrementUnread(t *testing.T) {
	t0 := time.Now()
	f := &fakeAPI{
		convs: []Conversation{conv("a", t0, 0)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Load(context.Background())

	// Echo of the viewer's own send into a background conversation.
	s.HandleNewMessage(msg("m1", "a", viewer, t0.Add(time.Second)))

	if got := s.Conversations()[0].UnreadCount; got != 0 {
		t.Errorf("unread = %d, want 0 for own message", got)
	}
}

func TestIncomingUnknownConversationReloads(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("new", time.Now(), 1)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)

	s.HandleNewMessage(msg("m1", "new", "peer", time.Now()))

	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.listCalls > 0
	})
}

func TestSendRequiresContent(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Open(context.Background(), "c1")

	if err := s.Send(context.Background(), "   ", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	f.mu.Lock()
	calls := len(f.sendCalls)
	f.mu.Unlock()
	if calls != 0 {
		t.Errorf("send calls = %d, want 0 (request must never be issued)", calls)
	}
}

func TestSendRequiresOpenConversation(t *testing.T) {
	s := newTestStore(&fakeAPI{msgs: map[string][]Message{}}, nil)
	if err := s.Send(context.Background(), "hi", ""); !errors.Is(err, ErrNoConversation) {
		t.Errorf("err = %v, want ErrNoConversation", err)
	}
}

func TestSendRejectsOversizedImage(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Open(context.Background(), "c1")

	path := filepath.Join(t.TempDir(), "big.jpg")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// Sparse file; no need to actually write 6 MiB.
	if err := file.Truncate(6 << 20); err != nil {
		t.Fatal(err)
	}
	file.Close()

	if err := s.Send(context.Background(), "", path); !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("err = %v, want ErrImageTooLarge", err)
	}
	f.mu.Lock()
	calls := len(f.sendCalls)
	f.mu.Unlock()
	if calls != 0 {
		t.Errorf("send calls = %d, want 0", calls)
	}
}

func TestSendDoesNotInsertLocally(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0)},
		msgs:  map[string][]Message{},
	}
	em := &fakeEmitter{}
	s := newTestStore(f, em)
	s.Open(context.Background(), "c1")

	if err := s.Send(context.Background(), "hello there", ""); err != nil {
		t.Fatal(err)
	}
	if got := len(s.Messages()); got != 0 {
		t.Errorf("stream length = %d, want 0 (message appears on server echo only)", got)
	}
	if em.count(EvStopTyping) != 1 {
		t.Errorf("stop_typing emissions = %d, want 1", em.count(EvStopTyping))
	}
}

func TestDeleteConversationClearsOpenSelection(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0), conv("c2", time.Now(), 0)},
		msgs: map[string][]Message{
			"c1": {msg("m1", "c1", "peer", time.Now())},
		},
	}
	s := newTestStore(f, nil)
	s.Load(context.Background())
	s.Open(context.Background(), "c1")

	s.DeleteConversation(context.Background(), "c1")

	if s.ActiveID() != "" {
		t.Errorf("active = %q, want cleared", s.ActiveID())
	}
	if got := len(s.Messages()); got != 0 {
		t.Errorf("stream length = %d, want 0", got)
	}
	for _, c := range s.Conversations() {
		if c.ID == "c1" {
			t.Error("deleted conversation still in list")
		}
	}
}

func TestTypingFlagFollowsOpenConversation(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0), conv("c2", time.Now(), 0)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Load(context.Background())
	s.Open(context.Background(), "c1")

	s.HandleTyping("c2")
	if s.PeerTyping() {
		t.Error("typing flag raised for a background conversation")
	}

	s.HandleTyping("c1")
	if !s.PeerTyping() {
		t.Error("typing flag not raised for the open conversation")
	}

	s.HandleStopTyping("c1")
	if s.PeerTyping() {
		t.Error("typing flag not cleared")
	}
}

func TestFailedRefreshDoesNotRollBackLiveState(t *testing.T) {
	t0 := time.Now()
	f := &fakeAPI{
		convs: []Conversation{conv("c1", t0, 0)},
		msgs:  map[string][]Message{},
	}
	cache := newFakeCache()
	s := NewStore(f, nil, cache, viewer, time.Second, zerolog.Nop())
	s.Load(context.Background())

	// A socket push lands after the cache was written.
	s.HandleNewMessage(msg("m1", "c1", "peer", t0.Add(time.Second)))
	if got := s.Conversations()[0].UnreadCount; got != 1 {
		t.Fatalf("unread = %d, want 1 before refresh", got)
	}

	f.mu.Lock()
	f.convsErr = errors.New("backend down")
	f.mu.Unlock()
	s.Load(context.Background())

	got := s.Conversations()[0]
	if got.UnreadCount != 1 {
		t.Errorf("unread after failed refresh = %d, want 1 (live state kept)", got.UnreadCount)
	}
	if !got.UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("updatedAt after failed refresh = %v, want the pushed time", got.UpdatedAt)
	}
}

func TestStartupLoadFallsBackToCache(t *testing.T) {
	cache := newFakeCache()
	cache.SaveConversations([]Conversation{conv("c1", time.Now(), 2)})

	f := &fakeAPI{convsErr: errors.New("backend down"), msgs: map[string][]Message{}}
	s := NewStore(f, nil, cache, viewer, time.Second, zerolog.Nop())
	s.Load(context.Background())

	convs := s.Conversations()
	if len(convs) != 1 || convs[0].ID != "c1" || convs[0].UnreadCount != 2 {
		t.Fatalf("cached list not served on first load: %+v", convs)
	}
}

func TestLoadFailureKeepsState(t *testing.T) {
	f := &fakeAPI{
		convs: []Conversation{conv("c1", time.Now(), 0)},
		msgs:  map[string][]Message{},
	}
	s := newTestStore(f, nil)
	s.Load(context.Background())

	f.mu.Lock()
	f.convsErr = errors.New("backend down")
	f.mu.Unlock()
	s.Load(context.Background())

	if got := len(s.Conversations()); got != 1 {
		t.Errorf("conversations = %d, want 1 (stale beats blank)", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
