package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"github.com/offerta-dev/offerta-chat/internal/api"
	"github.com/offerta-dev/offerta-chat/internal/chat"
	"github.com/offerta-dev/offerta-chat/internal/config"
	"github.com/offerta-dev/offerta-chat/internal/history"
	"github.com/offerta-dev/offerta-chat/internal/logging"
	"github.com/offerta-dev/offerta-chat/internal/session"
)

// --- Styles ---

var (
	primaryColor = lipgloss.Color("#F97316")
	accentColor  = lipgloss.Color("#EA580C")
	textColor    = lipgloss.Color("#F9FAFB")
	mutedColor   = lipgloss.Color("#9CA3AF")
	errorColor   = lipgloss.Color("#EF4444")
	readColor    = lipgloss.Color("#10B981")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	badgeStyle = lipgloss.NewStyle().
			Foreground(textColor).
			Background(primaryColor).
			Bold(true).
			Padding(0, 1)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor).
				Bold(true)

	readTickStyle = lipgloss.NewStyle().
			Foreground(readColor)

	sepStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// --- View State ---

type viewState int

const (
	viewConversations viewState = iota
	viewChat
)

// --- Messages ---

// stateChangedMsg arrives whenever the store mutates (REST response applied
// or realtime event routed).
type stateChangedMsg struct{}

type sendDoneMsg struct{ err error }

type opDoneMsg struct{}

type tickMsg time.Time

// --- Main Model ---

type model struct {
	store    *chat.Store
	viewerID string

	// Conversations
	selectedConv int
	search       textinput.Model
	searching    bool

	// Composer
	composer     textinput.Model
	attachInput  textinput.Model
	attaching    bool
	pendingImage string
	sending      bool

	// Chat
	chatViewport viewport.Model

	// UI
	view   viewState
	status string
	width  int
	height int
}

func initialModel(store *chat.Store) model {
	search := textinput.New()
	search.Placeholder = "Search conversations..."
	search.CharLimit = 64
	search.Width = 30

	composer := textinput.New()
	composer.Placeholder = "Type a message..."
	composer.CharLimit = 1000
	composer.Width = 50

	attachInput := textinput.New()
	attachInput.Placeholder = "Path to image..."
	attachInput.CharLimit = 256
	attachInput.Width = 50

	return model{
		store:        store,
		viewerID:     store.ViewerID(),
		search:       search,
		composer:     composer,
		attachInput:  attachInput,
		chatViewport: viewport.New(80, 20),
		view:         viewConversations,
	}
}

// --- Commands ---

func loadCmd(store *chat.Store) tea.Cmd {
	return func() tea.Msg {
		store.Load(context.Background())
		return opDoneMsg{}
	}
}

func openCmd(store *chat.Store, id string) tea.Cmd {
	return func() tea.Msg {
		store.Open(context.Background(), id)
		return opDoneMsg{}
	}
}

func startWithCmd(store *chat.Store, participantID string) tea.Cmd {
	return func() tea.Msg {
		store.StartWith(context.Background(), participantID)
		return opDoneMsg{}
	}
}

func sendCmd(store *chat.Store, text, imagePath string) tea.Cmd {
	return func() tea.Msg {
		return sendDoneMsg{err: store.Send(context.Background(), text, imagePath)}
	}
}

func deleteConvCmd(store *chat.Store, id string) tea.Cmd {
	return func() tea.Msg {
		store.DeleteConversation(context.Background(), id)
		return opDoneMsg{}
	}
}

func deleteMsgCmd(store *chat.Store, id string) tea.Cmd {
	return func() tea.Msg {
		store.DeleteMessage(context.Background(), id)
		return opDoneMsg{}
	}
}

// tickCmd keeps relative timestamps fresh while idle.
func tickCmd() tea.Cmd {
	return tea.Tick(30*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// --- Init ---

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, loadCmd(m.store), tickCmd())
}

// --- Update ---

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatViewport.Width = msg.Width - 4
		m.chatViewport.Height = msg.Height - 8

	case stateChangedMsg, opDoneMsg:
		m.clampSelection()
		if m.view == viewChat && m.store.ActiveID() == "" {
			// Conversation vanished under us (deleted remotely or locally).
			m.view = viewConversations
		}
		m.refreshChatViewport()

	case sendDoneMsg:
		m.sending = false
		if msg.err != nil {
			switch {
			case errors.Is(msg.err, chat.ErrEmptyMessage):
				m.status = "Nothing to send"
			case errors.Is(msg.err, chat.ErrImageTooLarge):
				m.status = "Image exceeds 5 MiB"
			default:
				m.status = "Send failed"
			}
		} else {
			m.status = ""
			m.composer.SetValue("")
			m.pendingImage = ""
		}

	case tickMsg:
		cmds = append(cmds, tickCmd())
	}

	// Route remaining input to the focused text field.
	switch {
	case m.searching:
		m.search, _ = m.search.Update(msg)
	case m.attaching:
		m.attachInput, _ = m.attachInput.Update(msg)
	case m.view == viewChat:
		before := m.composer.Value()
		m.composer, _ = m.composer.Update(msg)
		if m.composer.Value() != before {
			m.store.Keystroke()
		}
		m.chatViewport, _ = m.chatViewport.Update(msg)
	}

	return m, tea.Batch(cmds...)
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	key := msg.String()

	if m.searching {
		switch key {
		case "enter", "esc":
			m.searching = false
			m.search.Blur()
			if key == "esc" {
				m.search.SetValue("")
			}
			m.clampSelection()
			return nil, true
		}
		return nil, false
	}

	if m.attaching {
		switch key {
		case "enter":
			m.attaching = false
			m.attachInput.Blur()
			path := strings.TrimSpace(m.attachInput.Value())
			m.attachInput.SetValue("")
			if path != "" {
				if fi, err := os.Stat(path); err != nil {
					m.status = "No such file"
				} else if fi.Size() > chat.MaxImageBytes {
					m.status = "Image exceeds 5 MiB"
				} else {
					m.pendingImage = path
					m.status = ""
				}
			}
			m.composer.Focus()
			return nil, true
		case "esc":
			m.attaching = false
			m.attachInput.Blur()
			m.attachInput.SetValue("")
			m.composer.Focus()
			return nil, true
		}
		return nil, false
	}

	switch m.view {
	case viewConversations:
		switch key {
		case "ctrl+c", "q":
			return tea.Quit, true
		case "up", "k":
			if m.selectedConv > 0 {
				m.selectedConv--
			}
			return nil, true
		case "down", "j":
			if m.selectedConv < len(m.filteredConvs())-1 {
				m.selectedConv++
			}
			return nil, true
		case "enter":
			convs := m.filteredConvs()
			if m.selectedConv < len(convs) {
				m.view = viewChat
				m.status = ""
				m.composer.Focus()
				return openCmd(m.store, convs[m.selectedConv].ID), true
			}
			return nil, true
		case "/":
			m.searching = true
			m.search.Focus()
			return nil, true
		case "d":
			convs := m.filteredConvs()
			if m.selectedConv < len(convs) {
				return deleteConvCmd(m.store, convs[m.selectedConv].ID), true
			}
			return nil, true
		case "r":
			return loadCmd(m.store), true
		}

	case viewChat:
		switch key {
		case "ctrl+c":
			return tea.Quit, true
		case "esc":
			m.view = viewConversations
			m.composer.Blur()
			m.status = ""
			return nil, true
		case "enter":
			if m.sending {
				return nil, true
			}
			text := m.composer.Value()
			if strings.TrimSpace(text) == "" && m.pendingImage == "" {
				m.status = "Nothing to send"
				return nil, true
			}
			m.sending = true
			return sendCmd(m.store, text, m.pendingImage), true
		case "ctrl+a":
			m.attaching = true
			m.composer.Blur()
			m.attachInput.Focus()
			return nil, true
		case "ctrl+x":
			// Delete the newest own message.
			msgs := m.store.Messages()
			for i := len(msgs) - 1; i >= 0; i-- {
				if msgs[i].Sender.ID == m.viewerID {
					return deleteMsgCmd(m.store, msgs[i].ID), true
				}
			}
			return nil, true
		}
	}

	return nil, false
}

func (m *model) filteredConvs() []chat.Conversation {
	convs := m.store.Conversations()
	needle := strings.ToLower(strings.TrimSpace(m.search.Value()))
	if needle == "" {
		return convs
	}
	filtered := convs[:0]
	for _, c := range convs {
		if strings.Contains(strings.ToLower(c.Other.Name), needle) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func (m *model) clampSelection() {
	if n := len(m.filteredConvs()); m.selectedConv >= n && n > 0 {
		m.selectedConv = n - 1
	} else if n == 0 {
		m.selectedConv = 0
	}
}

func (m *model) refreshChatViewport() {
	if m.view != viewChat {
		return
	}
	msgs := m.store.Messages()
	now := time.Now()

	var content strings.Builder
	lastLabel := ""
	for _, msg := range msgs {
		if label := chat.DaySeparator(msg.CreatedAt, now); label != lastLabel {
			content.WriteString(sepStyle.Render("── "+label+" ──") + "\n")
			lastLabel = label
		}

		mine := msg.Sender.ID == m.viewerID
		style := otherMessageStyle
		if mine {
			style = ownMessageStyle
		}

		line := fmt.Sprintf("%s %s", mutedStyle.Render(chat.Clock(msg.CreatedAt)), style.Render(msg.Sender.Name))
		if mine {
			tick := "✓"
			tickStyle := mutedStyle
			if msg.ReadByAll() {
				tick = "✓✓"
				tickStyle = readTickStyle
			}
			line += " " + tickStyle.Render(tick)
		}
		content.WriteString(line + "\n")

		if msg.Image != "" {
			content.WriteString(mutedStyle.Render("  [Photo] "+msg.Image) + "\n")
		}
		if msg.Text != "" {
			content.WriteString("  " + msg.Text + "\n")
		}
	}

	if m.store.PeerTyping() {
		if conv, ok := m.store.Active(); ok {
			content.WriteString(otherMessageStyle.Render(conv.Other.Name) + mutedStyle.Render(" is typing...") + "\n")
		}
	}

	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

// --- View ---

func (m model) View() string {
	switch m.view {
	case viewChat:
		return m.chatView()
	default:
		return m.conversationsView()
	}
}

func (m model) conversationsView() string {
	var s strings.Builder

	title := "Offerta Chat"
	if total := m.store.TotalUnread(); total > 0 {
		title += " " + badgeStyle.Render(clampCount(total))
	}
	s.WriteString(titleStyle.Render(title))
	s.WriteString("\n\n")

	if m.searching || m.search.Value() != "" {
		s.WriteString("  " + m.search.View() + "\n\n")
	}

	convs := m.filteredConvs()
	if len(convs) == 0 {
		if m.search.Value() != "" {
			s.WriteString(mutedStyle.Render("  No results.\n"))
		} else {
			s.WriteString(mutedStyle.Render("  No conversations yet.\n"))
			s.WriteString(mutedStyle.Render("  Contact a business to get started.\n"))
		}
	} else {
		now := time.Now()
		for i, conv := range convs {
			prefix := "  "
			style := lipgloss.NewStyle()
			if i == m.selectedConv {
				prefix = "→ "
				style = selectedStyle
			}

			when := ""
			if conv.LastMessage != nil {
				when = chat.ListTimestamp(conv.LastMessage.CreatedAt, now)
			}

			line := fmt.Sprintf("%s%s", prefix, conv.Other.Name)
			if when != "" {
				line += mutedStyle.Render("  " + when)
			}
			if conv.UnreadCount > 0 {
				line += " " + badgeStyle.Render(clampCount(conv.UnreadCount))
			}
			s.WriteString(style.Render(line) + "\n")

			preview := conv.Preview()
			if preview == "" {
				preview = "No messages yet"
			}
			s.WriteString(mutedStyle.Render("    "+truncate(preview, 60)) + "\n")
		}
	}

	if m.status != "" {
		s.WriteString("\n" + errorStyle.Render("  "+m.status) + "\n")
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter open • / search • d delete • r reload • q quit"))

	return s.String()
}

func (m model) chatView() string {
	var s strings.Builder

	header := "Chat"
	if conv, ok := m.store.Active(); ok {
		header = conv.Other.Name
		if m.store.PeerTyping() {
			header += mutedStyle.Render(" · typing...")
		}
	}
	s.WriteString(titleStyle.Render(header))
	s.WriteString("\n")
	if m.width > 2 {
		s.WriteString(strings.Repeat("─", m.width-2))
	}
	s.WriteString("\n")

	s.WriteString(m.chatViewport.View())
	s.WriteString("\n")
	if m.width > 2 {
		s.WriteString(strings.Repeat("─", m.width-2))
	}
	s.WriteString("\n")

	if m.pendingImage != "" {
		s.WriteString(mutedStyle.Render("Attached: "+filepath.Base(m.pendingImage)) + "\n")
	}
	if m.attaching {
		s.WriteString(m.attachInput.View() + "\n")
	} else {
		s.WriteString(m.composer.View() + "\n")
	}

	if m.status != "" {
		s.WriteString(errorStyle.Render(m.status) + "\n")
	}
	if m.sending {
		s.WriteString(mutedStyle.Render("Sending...") + "\n")
	}

	s.WriteString(helpStyle.Render("Enter send • Ctrl+A attach • Ctrl+X delete last • Esc back"))

	return s.String()
}

func clampCount(n int) string {
	if n > 99 {
		return "99+"
	}
	return fmt.Sprintf("%d", n)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// --- Main ---

func main() {
	godotenv.Load()

	profile := flag.String("profile", "default", "profile name")
	configPath := flag.String("config", "", "config file path (default <profile dir>/config.toml)")
	conversationID := flag.String("conversation", "", "open this conversation on start")
	contactID := flag.String("contact", "", "start a conversation with this participant id")
	flag.Parse()

	profileDir := session.GetConfigDir(*profile)
	if *configPath == "" && profileDir != "" {
		*configPath = filepath.Join(profileDir, "config.toml")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := logging.New(profileDir, cfg.LogLevel)
	defer closeLog()

	sess := session.Load(*profile)
	token := os.Getenv("OFFERTA_TOKEN")
	switch {
	case token != "":
		if sess == nil {
			sess = &session.Session{}
		}
		sess.Token = token
		if v := os.Getenv("OFFERTA_USER_ID"); v != "" {
			sess.UserID = v
		}
		session.Save(*profile, *sess)
	case sess != nil && sess.Token != "":
		token = sess.Token
	default:
		fmt.Fprintln(os.Stderr, "Not logged in. Set OFFERTA_TOKEN (and OFFERTA_USER_ID) and run again.")
		os.Exit(1)
	}
	if sess.UserID == "" {
		// Unread bookkeeping and read ticks hinge on telling own messages
		// apart from the peer's; a blank viewer id corrupts both.
		fmt.Fprintln(os.Stderr, "No user id in session. Set OFFERTA_USER_ID and run again.")
		os.Exit(1)
	}
	if sess.APIURL != "" {
		cfg.APIBaseURL = sess.APIURL
	}
	if sess.SocketURL != "" {
		cfg.SocketURL = sess.SocketURL
	}

	tokens := api.StaticToken(token)
	client := api.New(cfg.APIBaseURL, tokens, logger)

	var cache chat.Cache
	if profileDir != "" {
		if h, err := history.Open(filepath.Join(profileDir, "history.db")); err != nil {
			logger.Warn().Err(err).Msg("history cache unavailable")
		} else {
			cache = h
			defer h.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := chat.NewStore(client, nil, cache, sess.UserID, cfg.TypingIdle(), logger)
	mgr := chat.NewManager(chat.ConnConfig{
		URL:           cfg.SocketURL,
		RetryAttempts: cfg.ReconnectAttempts,
		RetryDelay:    cfg.ReconnectDelay(),
	}, tokens, store, logger)
	store.SetEmitter(mgr)

	p := tea.NewProgram(initialModel(store), tea.WithAltScreen())
	store.OnChange = func() { p.Send(stateChangedMsg{}) }
	go mgr.Run(ctx)

	if *contactID != "" {
		go func() { p.Send(startWithCmd(store, *contactID)()) }()
	} else if *conversationID != "" {
		go func() { p.Send(openCmd(store, *conversationID)()) }()
	}

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
