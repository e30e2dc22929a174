package chat

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MaxImageBytes is the largest image attachment accepted before any network
// call is made.
const MaxImageBytes = 5 << 20

var (
	// ErrEmptyMessage rejects a send with neither text nor an image.
	ErrEmptyMessage = errors.New("message needs text or an image")
	// ErrImageTooLarge rejects attachments over MaxImageBytes.
	ErrImageTooLarge = errors.New("image exceeds 5 MiB")
	// ErrNoConversation rejects a send with no open conversation.
	ErrNoConversation = errors.New("no open conversation")
)

// API is the REST collaborator surface the store consumes. Implemented by
// the api package; faked in tests.
type API interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	StartConversation(ctx context.Context, participantID string) (Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID, text, imagePath string) error
	DeleteMessage(ctx context.Context, messageID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Cache is an optional local mirror of fetched state so a flaky backend
// degrades to stale-but-visible instead of blank. Every cache error is
// swallowed by the store.
type Cache interface {
	SaveConversations(convs []Conversation) error
	LoadConversations() ([]Conversation, error)
	SaveMessages(conversationID string, msgs []Message) error
	LoadMessages(conversationID string) ([]Message, error)
	SaveMessage(msg Message) error
	DeleteMessage(messageID string) error
	DeleteConversation(conversationID string) error
}

// Store is the synchronization core: the ordered conversation list, the open
// conversation's message stream, and the peer's typing flag. REST responses
// seed state; realtime events patch it. Consistency between the two sources
// relies on idempotent merge rules, not coordination.
type Store struct {
	api        API
	emitter    Emitter
	cache      Cache
	typing     *Notifier
	typingIdle time.Duration
	viewerID   string
	log        zerolog.Logger

	// OnChange, when set, runs after every visible state mutation, outside
	// the lock. The rendering layer subscribes here instead of polling.
	OnChange func()

	mu         sync.Mutex
	convs      []Conversation
	activeID   string
	messages   []Message
	peerTyping bool
}

// NewStore wires the store to its collaborators. emitter and cache may be
// nil (no realtime signals, no local mirror).
func NewStore(api API, emitter Emitter, cache Cache, viewerID string, typingIdle time.Duration, log zerolog.Logger) *Store {
	s := &Store{
		api:        api,
		cache:      cache,
		typingIdle: typingIdle,
		viewerID:   viewerID,
		log:        log,
	}
	s.SetEmitter(emitter)
	return s
}

// SetEmitter attaches the realtime channel after construction. The manager
// needs the store as its handler, so wiring happens in two steps.
func (s *Store) SetEmitter(e Emitter) {
	s.emitter = e
	if e != nil && s.typing == nil {
		s.typing = NewNotifier(e, s.typingIdle)
	}
}

// --- Snapshots for the rendering layer ---

// Conversations returns a copy of the list, most recently updated first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, len(s.convs))
	copy(out, s.convs)
	return out
}

// Messages returns a copy of the open conversation's stream, oldest first.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ActiveID returns the open conversation id, or "".
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Active returns the open conversation summary, if it is in the list.
func (s *Store) Active() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.ID == s.activeID {
			return c, true
		}
	}
	return Conversation{}, false
}

// PeerTyping reports whether the open conversation's peer is composing.
func (s *Store) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping
}

// TotalUnread sums unread counts across all conversations.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.convs {
		total += c.UnreadCount
	}
	return total
}

// ViewerID returns the authenticated user's id.
func (s *Store) ViewerID() string { return s.viewerID }

// --- User actions ---

// Load replaces the conversation list from the REST collaborator. On a
// transport failure with nothing loaded yet the cached copy is served;
// once a list exists it stays exactly as it was. Errors are logged, never
// surfaced.
func (s *Store) Load(ctx context.Context) {
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("conversation list fetch failed")
		s.mu.Lock()
		empty := len(s.convs) == 0
		s.mu.Unlock()
		if !empty {
			// Live state already holds socket-applied updates the cache
			// cannot have; a failed refresh must not roll it back.
			return
		}
		cached, cerr := s.cachedConversations()
		if cerr != nil || cached == nil {
			return
		}
		convs = cached
	} else {
		s.cacheConversations(convs)
	}

	s.mu.Lock()
	s.convs = convs
	s.sortLocked()
	s.mu.Unlock()
	s.notify()
}

// Open makes the conversation active: unread drops to zero immediately, the
// message stream is fetched (404 means "no messages yet"), the read request
// is issued even when there is no history, and join_conv goes out on the
// realtime channel. A deep-linked id not present in the list triggers a full
// reload first.
func (s *Store) Open(ctx context.Context, id string) {
	if !s.has(id) {
		s.Load(ctx)
	}

	s.mu.Lock()
	s.activeID = id
	s.peerTyping = false
	s.messages = nil
	for i := range s.convs {
		if s.convs[i].ID == id {
			s.convs[i].UnreadCount = 0
		}
	}
	s.mu.Unlock()
	s.notify()

	msgs, err := s.api.Messages(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", id).Msg("message history fetch failed")
		msgs = s.cachedMessages(id)
	} else {
		s.cacheMessages(id, msgs)
	}

	s.mu.Lock()
	if s.activeID == id {
		s.messages = msgs
	}
	s.mu.Unlock()
	s.notify()

	if err := s.api.MarkRead(ctx, id); err != nil {
		s.log.Debug().Err(err).Str("conversation", id).Msg("mark read failed")
	}
	if s.emitter != nil {
		s.emitter.Emit(EvJoinConv, conversationRef{ConversationID: id})
	}
}

// StartWith opens (creating if needed) the conversation with the given
// participant. The backend call is idempotent.
func (s *Store) StartWith(ctx context.Context, participantID string) {
	conv, err := s.api.StartConversation(ctx, participantID)
	if err != nil {
		s.log.Warn().Err(err).Str("participant", participantID).Msg("start conversation failed")
		return
	}
	s.Load(ctx)
	s.Open(ctx, conv.ID)
}

// Keystroke forwards composer input to the typing notifier for the open
// conversation.
func (s *Store) Keystroke() {
	s.mu.Lock()
	id := s.activeID
	s.mu.Unlock()
	if id == "" || s.typing == nil {
		return
	}
	s.typing.Keystroke(id)
}

// Send submits a message to the open conversation. At least one of text or
// imagePath is required; oversized images are rejected before any network
// call. No local placeholder is inserted: the message appears when the
// server echoes it back over the realtime channel.
func (s *Store) Send(ctx context.Context, text, imagePath string) error {
	s.mu.Lock()
	id := s.activeID
	s.mu.Unlock()
	if id == "" {
		return ErrNoConversation
	}

	text = strings.TrimSpace(text)
	if text == "" && imagePath == "" {
		return ErrEmptyMessage
	}
	if imagePath != "" {
		fi, err := os.Stat(imagePath)
		if err != nil {
			return err
		}
		if fi.Size() > MaxImageBytes {
			return ErrImageTooLarge
		}
	}

	if s.typing != nil {
		s.typing.MessageSent(id)
	}
	return s.api.SendMessage(ctx, id, text, imagePath)
}

// DeleteMessage removes a message remotely and locally. Removal is
// idempotent; a message already gone is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) {
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		s.log.Warn().Err(err).Str("message", messageID).Msg("delete message failed")
		return
	}
	s.mu.Lock()
	s.removeMessageLocked(messageID)
	s.mu.Unlock()
	s.cacheDeleteMessage(messageID)
	s.notify()
}

// DeleteConversation removes the conversation from the viewer's own list.
// The other participant's view is unaffected. If it was open, the selection
// and stream are cleared.
func (s *Store) DeleteConversation(ctx context.Context, id string) {
	if err := s.api.DeleteConversation(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("conversation", id).Msg("delete conversation failed")
		return
	}
	s.mu.Lock()
	kept := s.convs[:0]
	for _, c := range s.convs {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	s.convs = kept
	if s.activeID == id {
		s.activeID = ""
		s.messages = nil
		s.peerTyping = false
	}
	s.mu.Unlock()
	s.cacheDeleteConversation(id)
	s.notify()
}

// --- Realtime event application (Handler) ---

// HandleNewMessage applies an incoming push. For the open conversation the
// message joins the stream (de-duplicated by id) and a read acknowledgment
// goes out immediately; for any other conversation the unread count and
// preview are patched. Either way the conversation moves to the head of the
// ordering.
func (s *Store) HandleNewMessage(msg Message) {
	s.mu.Lock()
	active := msg.ConversationID == s.activeID
	if active {
		s.insertLocked(msg)
	}
	known := false
	for i := range s.convs {
		if s.convs[i].ID != msg.ConversationID {
			continue
		}
		known = true
		c := &s.convs[i]
		c.LastMessage = &LastMessage{Text: msg.Text, Image: msg.Image, CreatedAt: msg.CreatedAt}
		c.UpdatedAt = msg.CreatedAt
		if active {
			c.UnreadCount = 0
		} else if msg.Sender.ID != s.viewerID {
			c.UnreadCount++
		}
	}
	s.sortLocked()
	s.mu.Unlock()
	s.notify()

	if active {
		s.cacheSaveMessage(msg)
		// Ack in the background so the sender's ticks update promptly.
		go func() {
			if err := s.api.MarkRead(context.Background(), msg.ConversationID); err != nil {
				s.log.Debug().Err(err).Str("conversation", msg.ConversationID).Msg("read ack failed")
			}
		}()
	}
	if !known {
		// Push for a conversation the list has never seen; refresh it.
		go s.Load(context.Background())
	}
}

// HandleMessagesRead marks every loaded message of the open conversation as
// read by the acknowledging participant. An event without a reader id means
// the viewer's own acknowledgment was echoed back.
func (s *Store) HandleMessagesRead(conversationID, readerID string) {
	if readerID == "" {
		readerID = s.viewerID
	}
	s.mu.Lock()
	if conversationID == s.activeID {
		for i := range s.messages {
			if !s.messages[i].readBy(readerID) {
				s.messages[i].ReadBy = append(s.messages[i].ReadBy, readerID)
			}
		}
	}
	s.mu.Unlock()
	s.notify()
}

// HandleTyping raises the peer-typing flag for the open conversation.
// Latest event wins; there is no queueing.
func (s *Store) HandleTyping(conversationID string) {
	s.setPeerTyping(conversationID, true)
}

// HandleStopTyping clears the peer-typing flag for the open conversation.
func (s *Store) HandleStopTyping(conversationID string) {
	s.setPeerTyping(conversationID, false)
}

// HandleMessageDeleted drops the message from the open stream. Removing an
// absent id is a no-op.
func (s *Store) HandleMessageDeleted(conversationID, messageID string) {
	s.mu.Lock()
	if conversationID == s.activeID {
		s.removeMessageLocked(messageID)
	}
	s.mu.Unlock()
	s.cacheDeleteMessage(messageID)
	s.notify()
}

func (s *Store) setPeerTyping(conversationID string, typing bool) {
	s.mu.Lock()
	if conversationID == s.activeID {
		s.peerTyping = typing
	}
	s.mu.Unlock()
	s.notify()
}

// --- Internals ---

func (s *Store) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.ID == id {
			return true
		}
	}
	return false
}

// insertLocked adds a message keeping the stream non-decreasing in creation
// time. Duplicate ids (REST fetch racing the socket push) are dropped.
func (s *Store) insertLocked(msg Message) {
	for _, m := range s.messages {
		if m.ID == msg.ID {
			return
		}
	}
	i := len(s.messages)
	for i > 0 && s.messages[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
}

func (s *Store) removeMessageLocked(messageID string) {
	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// sortLocked orders by updatedAt descending. The sort is stable so ties keep
// arrival order.
func (s *Store) sortLocked() {
	sort.SliceStable(s.convs, func(i, j int) bool {
		return s.convs[i].UpdatedAt.After(s.convs[j].UpdatedAt)
	})
}

func (s *Store) notify() {
	if s.OnChange != nil {
		s.OnChange()
	}
}

// --- Cache plumbing, all best-effort ---

func (s *Store) cacheConversations(convs []Conversation) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveConversations(convs); err != nil {
		s.log.Debug().Err(err).Msg("cache conversations failed")
	}
}

func (s *Store) cachedConversations() ([]Conversation, error) {
	if s.cache == nil {
		return nil, nil
	}
	return s.cache.LoadConversations()
}

func (s *Store) cacheMessages(id string, msgs []Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveMessages(id, msgs); err != nil {
		s.log.Debug().Err(err).Str("conversation", id).Msg("cache messages failed")
	}
}

func (s *Store) cachedMessages(id string) []Message {
	if s.cache == nil {
		return nil
	}
	msgs, err := s.cache.LoadMessages(id)
	if err != nil {
		s.log.Debug().Err(err).Str("conversation", id).Msg("cache read failed")
		return nil
	}
	return msgs
}

func (s *Store) cacheSaveMessage(msg Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveMessage(msg); err != nil {
		s.log.Debug().Err(err).Msg("cache message failed")
	}
}

func (s *Store) cacheDeleteMessage(messageID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteMessage(messageID); err != nil {
		s.log.Debug().Err(err).Msg("cache delete failed")
	}
}

func (s *Store) cacheDeleteConversation(id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteConversation(id); err != nil {
		s.log.Debug().Err(err).Msg("cache delete failed")
	}
}
