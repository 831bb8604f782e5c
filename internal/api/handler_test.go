package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
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

type stubGenerator struct {
	err error
}

func (g stubGenerator) Generate(_ context.Context, _ string, history []models.Message) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return "You said: " + history[len(history)-1].Content, nil
}

func newTestServer(t *testing.T, gen stubGenerator) (*http.ServeMux, *conversation.Repository) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	logger := zaptest.NewLogger(t)
	repo := conversation.New(database, logger)
	mux := http.NewServeMux()
	NewHandler(repo, gen, logger).Register(mux)
	return mux, repo
}

func do(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestCreateAndListConversations(t *testing.T) {
	mux, _ := newTestServer(t, stubGenerator{})

	rec := do(mux, http.MethodPost, "/api/conversations", `{"title":"Trip","model":"gpt-4"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Trip", created.Title)
	assert.Equal(t, "gpt-4", created.Model)

	rec = do(mux, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	rec = do(mux, http.MethodPatch, "/api/conversations", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleMessage(t *testing.T) {
	mux, repo := newTestServer(t, stubGenerator{})
	conv, err := repo.Create(context.Background(), conversation.CreateParams{})
	require.NoError(t, err)

	rec := do(mux, http.MethodPost, "/api/message?conversation_id="+conv.ID, `{"content":"Hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "You said: Hi", resp.Message.Content)
	assert.Equal(t, models.RoleAssistant, resp.Message.Role)
	assert.Equal(t, "Hi", resp.Conversation.Summary)

	rec = do(mux, http.MethodGet, "/api/messages?conversation_id="+conv.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got ConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Hi", got.Messages[0].Content)
	assert.Equal(t, "You said: Hi", got.Messages[1].Content)
}

func TestHandleMessageErrors(t *testing.T) {
	mux, repo := newTestServer(t, stubGenerator{err: errors.New("provider down")})

	rec := do(mux, http.MethodPost, "/api/message", `{"content":"Hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, http.MethodPost, "/api/message?conversation_id=missing", `{"content":"Hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	conv, err := repo.Create(context.Background(), conversation.CreateParams{})
	require.NoError(t, err)
	rec = do(mux, http.MethodPost, "/api/message?conversation_id="+conv.ID, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(mux, http.MethodPost, "/api/message?conversation_id="+conv.ID, `{"content":"Hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetMessagesUnknownConversation(t *testing.T) {
	mux, _ := newTestServer(t, stubGenerator{})
	rec := do(mux, http.MethodGet, "/api/messages?conversation_id=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateAndDeleteConversation(t *testing.T) {
	mux, repo := newTestServer(t, stubGenerator{})
	ctx := context.Background()
	conv, err := repo.Create(ctx, conversation.CreateParams{Title: "old"})
	require.NoError(t, err)

	rec := do(mux, http.MethodPut, "/api/conversations/update?conversation_id="+conv.ID, `{"title":"new"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got, _, err := repo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)

	rec = do(mux, http.MethodPut, "/api/conversations/update?conversation_id=missing", `{"title":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(mux, http.MethodDelete, "/api/conversations/delete?conversation_id="+conv.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got, _, err = repo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	rec = do(mux, http.MethodDelete, "/api/conversations/delete?conversation_id="+conv.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(mux, http.MethodGet, "/api/conversations/delete?conversation_id="+conv.ID, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestExportImportOverHTTP(t *testing.T) {
	mux, repo := newTestServer(t, stubGenerator{})
	ctx := context.Background()
	conv, err := repo.Create(ctx, conversation.CreateParams{Title: "shared", Model: "gpt-4"})
	require.NoError(t, err)
	_, err = repo.AddMessage(ctx, conv.ID, models.RoleUser, "question")
	require.NoError(t, err)
	_, err = repo.AddMessage(ctx, conv.ID, models.RoleAssistant, "answer")
	require.NoError(t, err)

	rec := do(mux, http.MethodGet, "/api/conversations/export?conversation_id="+conv.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	exported := rec.Body.String()

	rec = do(mux, http.MethodPost, "/api/conversations/import", exported)
	require.Equal(t, http.StatusCreated, rec.Code)
	var imported ImportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &imported))
	assert.NotEqual(t, conv.ID, imported.ID)

	copied, messages, err := repo.Get(ctx, imported.ID)
	require.NoError(t, err)
	assert.Equal(t, "shared", copied.Title)
	assert.Equal(t, "question", copied.Summary)
	require.Len(t, messages, 2)
	assert.Equal(t, "answer", messages[1].Content)

	rec = do(mux, http.MethodGet, "/api/conversations/export?conversation_id=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(mux, http.MethodPost, "/api/conversations/import", `{"messages": 5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportConversationFailsBeforeHeaders(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	mux := http.NewServeMux()
	NewHandler(conversation.New(database, logger), stubGenerator{}, logger).Register(mux)

	rec := do(mux, http.MethodGet, "/api/conversations/export?conversation_id=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Disposition"))

	require.NoError(t, database.Close())
	rec = do(mux, http.MethodGet, "/api/conversations/export?conversation_id=missing", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
}
