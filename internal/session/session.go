// Package session keeps the UI-facing copy of the active conversation.
//
// A Session is rebuilt from the conversation repository after every change
// it makes, so its view never drifts from what is stored. It is safe for use
// by concurrent UI handlers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/algae514/zerocode-llm-chat/internal/conversation"
	"github.com/algae514/zerocode-llm-chat/internal/models"
)

// ErrNoActiveConversation is returned by operations that need a loaded
// conversation before Start or Load was called.
var ErrNoActiveConversation = errors.New("no active conversation")

// Repository is the part of the conversation repository a Session uses.
type Repository interface {
	Create(ctx context.Context, params conversation.CreateParams) (*models.Conversation, error)
	AddMessage(ctx context.Context, conversationID string, role models.Role, content string) (int64, error)
	Get(ctx context.Context, id string) (*models.Conversation, []models.Message, error)
	List(ctx context.Context) ([]models.Conversation, error)
	Delete(ctx context.Context, id string) error
	UpdateTitle(ctx context.Context, id, title string) error
}

// Generator produces the assistant's reply to an ordered history.
type Generator interface {
	Generate(ctx context.Context, model string, history []models.Message) (string, error)
}

type Session struct {
	mu sync.Mutex

	repo      Repository
	generator Generator
	logger    *zap.Logger

	conv     *models.Conversation
	messages []models.Message
}

func New(repo Repository, generator Generator, logger *zap.Logger) *Session {
	return &Session{repo: repo, generator: generator, logger: logger}
}

// Current returns copies of the active conversation and its messages. The
// conversation is nil when nothing is loaded.
func (s *Session) Current() (*models.Conversation, []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Start creates a conversation and makes it active.
func (s *Session) Start(ctx context.Context, title, model string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.repo.Create(ctx, conversation.CreateParams{Title: title, Model: model})
	if err != nil {
		return nil, err
	}
	if err := s.reload(ctx, conv.ID); err != nil {
		return nil, err
	}
	c, _ := s.snapshot()
	return c, nil
}

// Load makes an existing conversation active.
func (s *Session) Load(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload(ctx, id)
}

// Delete removes a conversation. When it was the active one the session falls
// back to the most recently active remaining conversation, or starts a fresh
// one when none is left.
func (s *Session) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.conv == nil || s.conv.ID != id {
		return nil
	}

	s.conv, s.messages = nil, nil
	remaining, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return s.reload(ctx, remaining[0].ID)
	}

	conv, err := s.repo.Create(ctx, conversation.CreateParams{})
	if err != nil {
		return err
	}
	return s.reload(ctx, conv.ID)
}

// Rename changes the active conversation's title.
func (s *Session) Rename(ctx context.Context, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conv == nil {
		return ErrNoActiveConversation
	}
	if err := s.repo.UpdateTitle(ctx, s.conv.ID, title); err != nil {
		return err
	}
	return s.reload(ctx, s.conv.ID)
}

// Send records text as a user message, asks the generator for a reply to the
// full history and records the reply. If generation fails the user message
// stays stored and no assistant message is written.
func (s *Session) Send(ctx context.Context, text string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conv == nil {
		return nil, ErrNoActiveConversation
	}
	id := s.conv.ID

	if _, err := s.repo.AddMessage(ctx, id, models.RoleUser, text); err != nil {
		return nil, err
	}
	if err := s.reload(ctx, id); err != nil {
		return nil, err
	}

	reply, err := s.generator.Generate(ctx, replyModel(s.conv), s.messages)
	if err != nil {
		s.logger.Warn("Reply generation failed",
			zap.String("conversationID", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get a reply: %w", err)
	}

	msgID, err := s.repo.AddMessage(ctx, id, models.RoleAssistant, reply)
	if err != nil {
		return nil, err
	}
	if err := s.reload(ctx, id); err != nil {
		return nil, err
	}

	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == msgID {
			msg := s.messages[i]
			return &msg, nil
		}
	}
	return nil, fmt.Errorf("reply %d missing after reload", msgID)
}

// replyModel is the model requested for conv's replies. An empty result
// leaves the choice to the generator's configured model.
func replyModel(conv *models.Conversation) string {
	if conv.Model == conversation.UnknownModel {
		return ""
	}
	return conv.Model
}

// reload replaces the in-memory view with the stored state of id.
func (s *Session) reload(ctx context.Context, id string) error {
	conv, messages, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return conversation.ErrNotFound
	}
	s.conv, s.messages = conv, messages
	return nil
}

func (s *Session) snapshot() (*models.Conversation, []models.Message) {
	if s.conv == nil {
		return nil, nil
	}
	conv := *s.conv
	messages := make([]models.Message, len(s.messages))
	copy(messages, s.messages)
	return &conv, messages
}
