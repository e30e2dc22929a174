package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offerta-dev/offerta-chat/internal/chat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	convs := []chat.Conversation{
		{ID: "c1", Other: chat.Participant{ID: "u2", Name: "Nordic Bikes"}, UpdatedAt: now, UnreadCount: 2},
		{ID: "c2", Other: chat.Participant{ID: "u3", Name: "Kari"}, UpdatedAt: now.Add(-time.Hour)},
	}
	require.NoError(t, s.SaveConversations(convs))

	got, err := s.LoadConversations()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "c1", got[0].ID)
	require.Equal(t, "Nordic Bikes", got[0].Other.Name)
	require.Equal(t, 2, got[0].UnreadCount)

	// Saving again replaces, never appends.
	require.NoError(t, s.SaveConversations(convs[:1]))
	got, err = s.LoadConversations()
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMessagesRoundTripOrdered(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	msgs := []chat.Message{
		{ID: "m2", ConversationID: "c1", Text: "second", CreatedAt: base.Add(time.Minute)},
		{ID: "m1", ConversationID: "c1", Text: "first", CreatedAt: base},
	}
	require.NoError(t, s.SaveMessages("c1", msgs))

	got, err := s.LoadMessages("c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Text)
	require.Equal(t, "second", got[1].Text)

	other, err := s.LoadMessages("c-other")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestSaveMessageUpserts(t *testing.T) {
	s := openTestStore(t)
	at := time.Now().UTC().Truncate(time.Millisecond)

	m := chat.Message{ID: "m1", ConversationID: "c1", Text: "hei", CreatedAt: at}
	require.NoError(t, s.SaveMessage(m))
	// The REST fetch racing the socket push writes the same row twice.
	m.ReadBy = []string{"u2"}
	require.NoError(t, s.SaveMessage(m))

	got, err := s.LoadMessages("c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []string{"u2"}, got[0].ReadBy)
}

func TestDeleteMessage(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveMessage(chat.Message{ID: "m1", ConversationID: "c1", CreatedAt: time.Now()}))

	require.NoError(t, s.DeleteMessage("m1"))
	require.NoError(t, s.DeleteMessage("m1"))

	got, err := s.LoadMessages("c1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDeleteConversationRemovesHistory(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.SaveConversations([]chat.Conversation{{ID: "c1", UpdatedAt: now}}))
	require.NoError(t, s.SaveMessages("c1", []chat.Message{{ID: "m1", ConversationID: "c1", CreatedAt: now}}))

	require.NoError(t, s.DeleteConversation("c1"))

	convs, err := s.LoadConversations()
	require.NoError(t, err)
	require.Empty(t, convs)
	msgs, err := s.LoadMessages("c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}
