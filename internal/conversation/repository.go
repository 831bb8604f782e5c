// Package conversation is the public contract over the chat store. It owns
// the rules tying a conversation's metadata to its message log: id and
// default assignment, the one-time summary, atomic deletes and the
// export/import document.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/algae514/zerocode-llm-chat/internal/db"
	"github.com/algae514/zerocode-llm-chat/internal/metrics"
	"github.com/algae514/zerocode-llm-chat/internal/models"
)

// DefaultModel is used when neither the caller nor the configuration names one.
const DefaultModel = "gpt-3.5-turbo"

var (
	// ErrNotFound means the referenced conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidRole is returned for roles other than user and assistant.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrMalformedImport means an import document could not be understood.
	ErrMalformedImport = errors.New("malformed conversation document")
)

type Repository struct {
	db           *db.Database
	logger       *zap.Logger
	metrics      *metrics.Metrics
	defaultModel string
	policy       SummaryPolicy
	now          func() time.Time
}

type Option func(*Repository)

// WithDefaultModel sets the model recorded when Create is given none.
func WithDefaultModel(model string) Option {
	return func(r *Repository) {
		if model != "" {
			r.defaultModel = model
		}
	}
}

func WithSummaryPolicy(policy SummaryPolicy) Option {
	return func(r *Repository) { r.policy = policy }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// WithClock replaces time.Now. The clock's result is normalized to UTC.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func New(database *db.Database, logger *zap.Logger, opts ...Option) *Repository {
	r := &Repository{
		db:           database,
		logger:       logger,
		defaultModel: DefaultModel,
		policy:       FirstMessage,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type CreateParams struct {
	// Title defaults to a label derived from the creation time.
	Title string
	// Model defaults to the repository's default model.
	Model string
}

func (r *Repository) Create(ctx context.Context, params CreateParams) (conv *models.Conversation, err error) {
	defer r.observe("create_conversation", time.Now(), &err)

	now := r.clock()
	conv = &models.Conversation{
		ID:        uuid.NewString(),
		Title:     params.Title,
		Model:     params.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if conv.Title == "" {
		conv.Title = "Conversation " + now.Local().Format("2006-01-02 15:04:05")
	}
	if conv.Model == "" {
		conv.Model = r.defaultModel
	}

	err = r.db.WithTx(ctx, func(tx *db.Tx) error {
		return tx.InsertConversation(ctx, conv)
	})
	if err != nil {
		r.logger.Error("Failed to create conversation", zap.Error(err))
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	r.logger.Debug("Created conversation",
		zap.String("conversationID", conv.ID),
		zap.String("model", conv.Model))
	return conv, nil
}

// AddMessage appends a message, refreshes the conversation's updated_at and
// applies the summary policy, all in one transaction.
func (r *Repository) AddMessage(ctx context.Context, conversationID string, role models.Role, content string) (id int64, err error) {
	defer r.observe("add_message", time.Now(), &err)

	if !role.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := r.clock()
	err = r.db.WithTx(ctx, func(tx *db.Tx) error {
		exists, err := tx.ConversationExists(ctx, conversationID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}

		summarize, err := r.shouldSummarize(ctx, tx, conversationID, role)
		if err != nil {
			return err
		}

		id, err = tx.InsertMessage(ctx, &models.Message{
			ConvID:    conversationID,
			Role:      role,
			Content:   content,
			Timestamp: now,
		})
		if err != nil {
			return err
		}
		if err := tx.TouchConversation(ctx, conversationID, now); err != nil {
			return err
		}
		if summarize {
			return tx.SetSummary(ctx, conversationID, Summarize(content))
		}
		return nil
	})
	if err != nil {
		r.logFailure("Failed to add message", conversationID, err)
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to add message: %w", err)
	}
	return id, nil
}

// Get returns the conversation and its messages in send order. An unknown id
// is not an error: the conversation is nil and the message list empty.
func (r *Repository) Get(ctx context.Context, id string) (conv *models.Conversation, messages []models.Message, err error) {
	defer r.observe("get_conversation", time.Now(), &err)

	conv, err = r.db.GetConversation(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, []models.Message{}, nil
	}
	if err != nil {
		r.logFailure("Failed to get conversation", id, err)
		return nil, []models.Message{}, fmt.Errorf("failed to get conversation: %w", err)
	}

	messages, err = r.db.GetMessages(ctx, id)
	if err != nil {
		r.logFailure("Failed to get messages", id, err)
		return nil, []models.Message{}, fmt.Errorf("failed to get messages: %w", err)
	}
	return conv, messages, nil
}

// List returns every conversation, most recently active first.
func (r *Repository) List(ctx context.Context) (conversations []models.Conversation, err error) {
	defer r.observe("get_all_conversations", time.Now(), &err)

	conversations, err = r.db.ListConversations(ctx)
	if err != nil {
		r.logger.Error("Failed to list conversations", zap.Error(err))
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// Delete removes the conversation and all of its messages atomically.
func (r *Repository) Delete(ctx context.Context, id string) (err error) {
	defer r.observe("delete_conversation", time.Now(), &err)

	var removed int64
	err = r.db.WithTx(ctx, func(tx *db.Tx) error {
		n, err := tx.DeleteMessages(ctx, id)
		if err != nil {
			return err
		}
		removed = n

		deleted, err := tx.DeleteConversation(ctx, id)
		if err != nil {
			return err
		}
		if deleted == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		r.logFailure("Failed to delete conversation", id, err)
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	r.logger.Info("Deleted conversation",
		zap.String("conversationID", id),
		zap.Int64("messages", removed))
	return nil
}

// UpdateTitle renames a conversation. updated_at is left as it was.
func (r *Repository) UpdateTitle(ctx context.Context, id, title string) (err error) {
	defer r.observe("update_conversation_title", time.Now(), &err)

	err = r.db.WithTx(ctx, func(tx *db.Tx) error {
		n, err := tx.UpdateTitle(ctx, id, title)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		r.logFailure("Failed to update conversation title", id, err)
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	return nil
}

func (r *Repository) clock() time.Time {
	return r.now().UTC()
}

func (r *Repository) observe(operation string, start time.Time, err *error) {
	r.metrics.Observe(operation, start, *err)
}

func (r *Repository) logFailure(msg, conversationID string, err error) {
	if errors.Is(err, ErrNotFound) {
		r.logger.Warn(msg, zap.String("conversationID", conversationID), zap.Error(err))
		return
	}
	r.logger.Error(msg, zap.String("conversationID", conversationID), zap.Error(err))
}
