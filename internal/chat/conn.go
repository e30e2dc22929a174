package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// TokenSource supplies the bearer credential attached to every dial.
// Injected so the manager never reads ambient state.
type TokenSource interface {
	Token() (string, error)
}

// ConnConfig controls dialing and the bounded reconnect policy. The delay is
// fixed on purpose: this is a best-effort chat feature, not a
// guaranteed-delivery transport, so there is no escalating backoff.
type ConnConfig struct {
	URL           string
	DialTimeout   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Manager owns the single realtime connection for an authenticated session.
// It routes the five server event classes to a Handler and lets local code
// emit client events through the same socket.
type Manager struct {
	cfg     ConnConfig
	tokens  TokenSource
	handler Handler
	log     zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewManager(cfg ConnConfig, tokens TokenSource, h Handler, log zerolog.Logger) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Manager{cfg: cfg, tokens: tokens, handler: h, log: log}
}

// Run dials and pumps events until ctx is cancelled or a retry budget is
// spent. Each disconnect gets a fresh budget of RetryAttempts dials at fixed
// RetryDelay intervals. Failures are never surfaced to the user: the feature
// simply stops updating live.
func (m *Manager) Run(ctx context.Context) {
	for {
		conn, err := m.dial(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("realtime channel gave up")
			return
		}
		m.setConn(conn)
		m.readLoop(ctx, conn)
		m.setConn(nil)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.RetryDelay):
			}
		}
		tok, err := m.tokens.Token()
		if err != nil {
			// Credential loss is a teardown, not a retry case.
			return nil, err
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+tok)
		dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
		conn, _, err := dialer.DialContext(ctx, m.cfg.URL, header)
		if err == nil {
			m.log.Debug().Str("url", m.cfg.URL).Int("attempt", attempt).Msg("realtime channel connected")
			return conn, nil
		}
		lastErr = err
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("realtime dial failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.log.Debug().Err(err).Msg("realtime channel closed")
			return
		}
		m.route(data)
	}
}

func (m *Manager) route(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		m.log.Warn().Err(err).Msg("bad realtime frame")
		return
	}
	switch ev.Event {
	case EvNewMessage:
		var msg Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			m.log.Warn().Err(err).Msg("bad new_message payload")
			return
		}
		m.handler.HandleNewMessage(msg)
	case EvMessagesRead:
		var p readPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		m.handler.HandleMessagesRead(p.ConversationID, p.ReaderID)
	case EvTyping:
		var p conversationRef
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		m.handler.HandleTyping(p.ConversationID)
	case EvStopTyping:
		var p conversationRef
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		m.handler.HandleStopTyping(p.ConversationID)
	case EvMessageDeleted:
		var p deletePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		m.handler.HandleMessageDeleted(p.ConversationID, p.MessageID)
	default:
		m.log.Debug().Str("event", ev.Event).Msg("unhandled realtime event")
	}
}

// Emit sends a client event. With no live connection it is a silent no-op,
// matching the module-wide degrade-to-nothing policy.
func (m *Manager) Emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.WriteJSON(Event{Event: event, Data: payload})
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}
