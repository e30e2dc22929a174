package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Notifier drives the outgoing half of the typing indicator: idle -> typing
// on a keystroke, back to idle when the composer goes quiet or a message is
// sent. Outgoing typing frames are throttled to one per second; the peer
// only needs the latest state.
type Notifier struct {
	emitter Emitter
	idle    time.Duration
	limiter *rate.Limiter

	mu     sync.Mutex
	timer  *time.Timer
	convID string
	typing bool
}

// DefaultTypingIdle is how long the composer stays "typing" after the last
// keystroke before a stop signal goes out.
const DefaultTypingIdle = 1500 * time.Millisecond

func NewNotifier(emitter Emitter, idle time.Duration) *Notifier {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Notifier{
		emitter: emitter,
		idle:    idle,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Keystroke records composer input for the given conversation and re-arms
// the idle timer. The transition into typing always emits; repeats are
// rate-limited.
func (n *Notifier) Keystroke(conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.convID != conversationID {
		n.stopLocked()
		n.convID = conversationID
	}

	allowed := n.limiter.Allow()
	if !n.typing || allowed {
		n.emitter.Emit(EvTyping, conversationRef{ConversationID: conversationID})
	}
	n.typing = true

	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.idle, n.idleElapsed)
}

// MessageSent clears typing state immediately. A stop signal is emitted
// unconditionally so the peer's indicator never outlives the send.
func (n *Notifier) MessageSent(conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.typing = false
	n.convID = conversationID
	n.emitter.Emit(EvStopTyping, conversationRef{ConversationID: conversationID})
}

func (n *Notifier) idleElapsed() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.typing {
		return
	}
	n.typing = false
	n.emitter.Emit(EvStopTyping, conversationRef{ConversationID: n.convID})
}

// stopLocked ends composition in the previous conversation, if any.
func (n *Notifier) stopLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.typing {
		n.typing = false
		n.emitter.Emit(EvStopTyping, conversationRef{ConversationID: n.convID})
	}
}
