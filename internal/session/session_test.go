package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/algae514/zerocode-llm-chat/internal/conversation"
	"github.com/algae514/zerocode-llm-chat/internal/db"
	"github.com/algae514/zerocode-llm-chat/internal/models"
)

type echoGenerator struct {
	err     error
	model   string
	history []models.Message
}

func (g *echoGenerator) Generate(_ context.Context, model string, history []models.Message) (string, error) {
	g.model = model
	g.history = history
	if g.err != nil {
		return "", g.err
	}
	return "echo: " + history[len(history)-1].Content, nil
}

func newTestSession(t *testing.T) (*Session, *conversation.Repository, *echoGenerator) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	logger := zaptest.NewLogger(t)
	repo := conversation.New(database, logger)
	gen := &echoGenerator{}
	return New(repo, gen, logger), repo, gen
}

func TestSendMirrorsRepository(t *testing.T) {
	s, repo, gen := newTestSession(t)
	ctx := context.Background()

	conv, err := s.Start(ctx, "", "gpt-4")
	require.NoError(t, err)

	reply, err := s.Send(ctx, "Hi")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAssistant, reply.Role)
	assert.Equal(t, "echo: Hi", reply.Content)
	assert.Equal(t, "gpt-4", gen.model)
	require.Len(t, gen.history, 1)

	current, messages := s.Current()
	stored, storedMessages, err := repo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, current)
	assert.Equal(t, storedMessages, messages)
	assert.Equal(t, "Hi", current.Summary)
	require.Len(t, messages, 2)

	_, err = s.Send(ctx, "again")
	require.NoError(t, err)
	assert.Len(t, gen.history, 3)
}

func TestSendImportedConversationUsesConfiguredModel(t *testing.T) {
	s, repo, gen := newTestSession(t)
	ctx := context.Background()

	id, err := repo.ImportFrom(ctx, strings.NewReader(`{"messages": [{"role": "user", "content": "from a backup"}]}`))
	require.NoError(t, err)
	require.NoError(t, s.Load(ctx, id))
	conv, _ := s.Current()
	require.Equal(t, conversation.UnknownModel, conv.Model)

	reply, err := s.Send(ctx, "still there?")
	require.NoError(t, err)
	assert.Equal(t, "echo: still there?", reply.Content)
	assert.Empty(t, gen.model)
	assert.Len(t, gen.history, 2)
}

func TestSendWithoutConversation(t *testing.T) {
	s, _, _ := newTestSession(t)
	_, err := s.Send(context.Background(), "Hi")
	assert.ErrorIs(t, err, ErrNoActiveConversation)
	assert.ErrorIs(t, s.Rename(context.Background(), "x"), ErrNoActiveConversation)
}

func TestSendGenerationFailureKeepsUserMessage(t *testing.T) {
	s, repo, gen := newTestSession(t)
	ctx := context.Background()
	gen.err = errors.New("provider down")

	conv, err := s.Start(ctx, "", "")
	require.NoError(t, err)

	_, err = s.Send(ctx, "Hello?")
	assert.ErrorIs(t, err, gen.err)

	_, messages, err := repo.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.RoleUser, messages[0].Role)

	_, mirrored := s.Current()
	assert.Equal(t, messages, mirrored)
}

func TestLoad(t *testing.T) {
	s, repo, _ := newTestSession(t)
	ctx := context.Background()

	other, err := repo.Create(ctx, conversation.CreateParams{Title: "other"})
	require.NoError(t, err)
	_, err = repo.AddMessage(ctx, other.ID, models.RoleUser, "stored earlier")
	require.NoError(t, err)

	_, err = s.Start(ctx, "active", "")
	require.NoError(t, err)

	require.NoError(t, s.Load(ctx, other.ID))
	conv, messages := s.Current()
	assert.Equal(t, "other", conv.Title)
	require.Len(t, messages, 1)
	assert.Equal(t, "stored earlier", messages[0].Content)

	assert.ErrorIs(t, s.Load(ctx, "missing"), conversation.ErrNotFound)
	conv, _ = s.Current()
	assert.Equal(t, other.ID, conv.ID)
}

func TestDeleteActiveFallsBackToMostRecent(t *testing.T) {
	s, repo, _ := newTestSession(t)
	ctx := context.Background()

	older, err := repo.Create(ctx, conversation.CreateParams{Title: "older"})
	require.NoError(t, err)
	newer, err := repo.Create(ctx, conversation.CreateParams{Title: "newer"})
	require.NoError(t, err)
	_, err = repo.AddMessage(ctx, newer.ID, models.RoleUser, "bump")
	require.NoError(t, err)

	active, err := s.Start(ctx, "active", "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, active.ID))
	conv, _ := s.Current()
	require.NotNil(t, conv)
	assert.Contains(t, []string{older.ID, newer.ID}, conv.ID)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, conv.ID)
}

func TestDeleteLastConversationStartsFresh(t *testing.T) {
	s, repo, _ := newTestSession(t)
	ctx := context.Background()

	only, err := s.Start(ctx, "only", "")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, only.ID))

	conv, messages := s.Current()
	require.NotNil(t, conv)
	assert.NotEqual(t, only.ID, conv.ID)
	assert.Empty(t, messages)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)
}

func TestDeleteInactiveKeepsActive(t *testing.T) {
	s, repo, _ := newTestSession(t)
	ctx := context.Background()

	other, err := repo.Create(ctx, conversation.CreateParams{})
	require.NoError(t, err)
	active, err := s.Start(ctx, "", "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, other.ID))
	conv, _ := s.Current()
	assert.Equal(t, active.ID, conv.ID)

	assert.ErrorIs(t, s.Delete(ctx, other.ID), conversation.ErrNotFound)
}

func TestRename(t *testing.T) {
	s, repo, _ := newTestSession(t)
	ctx := context.Background()

	conv, err := s.Start(ctx, "draft", "")
	require.NoError(t, err)
	require.NoError(t, s.Rename(ctx, "final"))

	current, _ := s.Current()
	assert.Equal(t, "final", current.Title)
	stored, _, err := repo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", stored.Title)
}

func TestCurrentReturnsCopies(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Start(ctx, "mine", "")
	require.NoError(t, err)
	_, err = s.Send(ctx, "Hi")
	require.NoError(t, err)

	conv, messages := s.Current()
	conv.Title = "changed"
	messages[0].Content = "changed"

	again, againMessages := s.Current()
	assert.Equal(t, "mine", again.Title)
	assert.Equal(t, "Hi", againMessages[0].Content)
}
