package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/algae514/zerocode-llm-chat/internal/db"
	"github.com/algae514/zerocode-llm-chat/internal/models"
)

// UnknownModel is recorded for imported conversations whose document names
// no model.
const UnknownModel = "unknown"

const docIndent = "  "

// Timestamp layouts accepted on import, tried in order. The zone-less forms
// are read as local time.
var importTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Export writes the conversation document to path. Nothing is written when
// the conversation does not exist, and the file only appears once complete.
func (r *Repository) Export(ctx context.Context, id, path string) (err error) {
	defer r.observe("export_conversation", time.Now(), &err)

	var buf bytes.Buffer
	if err := r.writeDocument(ctx, id, &buf); err != nil {
		return err
	}
	if err := writeFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		r.logFailure("Failed to export conversation", id, err)
		return fmt.Errorf("failed to export conversation: %w", err)
	}

	r.logger.Info("Exported conversation",
		zap.String("conversationID", id),
		zap.String("path", path))
	return nil
}

// ExportTo writes the conversation document to w.
func (r *Repository) ExportTo(ctx context.Context, id string, w io.Writer) (err error) {
	defer r.observe("export_conversation", time.Now(), &err)
	return r.writeDocument(ctx, id, w)
}

func (r *Repository) writeDocument(ctx context.Context, id string, w io.Writer) error {
	conv, messages, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		r.logFailure("Failed to export conversation", id, ErrNotFound)
		return ErrNotFound
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", docIndent)
	if err := enc.Encode(models.Document{Conversation: *conv, Messages: messages}); err != nil {
		r.logFailure("Failed to encode conversation", id, err)
		return fmt.Errorf("failed to encode conversation: %w", err)
	}
	return nil
}

// Import reads a conversation document from path and stores it under a new id.
func (r *Repository) Import(ctx context.Context, path string) (id string, err error) {
	defer r.observe("import_conversation", time.Now(), &err)

	f, err := os.Open(path)
	if err != nil {
		r.logger.Error("Failed to open import file", zap.String("path", path), zap.Error(err))
		return "", fmt.Errorf("failed to read import file: %w", err)
	}
	defer f.Close()

	return r.importDocument(ctx, f)
}

// ImportFrom reads a conversation document from rd and stores it under a new id.
func (r *Repository) ImportFrom(ctx context.Context, rd io.Reader) (id string, err error) {
	defer r.observe("import_conversation", time.Now(), &err)
	return r.importDocument(ctx, rd)
}

// importDoc holds the two sections of a document undecoded, so that a
// present null can be told apart from an absent section.
type importDoc struct {
	Conversation json.RawMessage `json:"conversation"`
	Messages     json.RawMessage `json:"messages"`
}

// importConversation and importMessage use optional fields so that absent
// values can be told apart from empty ones. Source ids are ignored.
type importConversation struct {
	Title     *string `json:"title"`
	Model     *string `json:"model"`
	Summary   *string `json:"summary"`
	CreatedAt *string `json:"created_at"`
}

type importMessage struct {
	Role      *string `json:"role"`
	Content   *string `json:"content"`
	Timestamp *string `json:"timestamp"`
}

func (r *Repository) importDocument(ctx context.Context, rd io.Reader) (string, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		r.logger.Error("Failed to read import document", zap.Error(err))
		return "", fmt.Errorf("failed to read import document: %w", err)
	}

	src, srcMessages, err := decodeImport(data)
	if err != nil {
		r.logger.Error("Failed to parse import document", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrMalformedImport, err)
	}

	conv, messages, err := r.buildImport(src, srcMessages)
	if err != nil {
		r.logger.Error("Rejected import document", zap.Error(err))
		return "", err
	}

	err = r.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.InsertConversation(ctx, conv); err != nil {
			return err
		}
		for i := range messages {
			if _, err := tx.InsertMessage(ctx, &messages[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logFailure("Failed to import conversation", conv.ID, err)
		return "", fmt.Errorf("failed to import conversation: %w", err)
	}

	r.logger.Info("Imported conversation",
		zap.String("conversationID", conv.ID),
		zap.Int("messages", len(messages)))
	return conv.ID, nil
}

// decodeImport parses a whole document. Trailing data after the top-level
// object is an error, and so is null in place of the document, either
// section or a message.
func decodeImport(data []byte) (*importConversation, []*importMessage, error) {
	var doc *importDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, errors.New("document is null")
	}

	var conv *importConversation
	if doc.Conversation != nil {
		if err := json.Unmarshal(doc.Conversation, &conv); err != nil {
			return nil, nil, fmt.Errorf("conversation: %w", err)
		}
		if conv == nil {
			return nil, nil, errors.New("conversation is null")
		}
	}

	var messages []*importMessage
	if doc.Messages != nil {
		if err := json.Unmarshal(doc.Messages, &messages); err != nil {
			return nil, nil, fmt.Errorf("messages: %w", err)
		}
		if messages == nil {
			return nil, nil, errors.New("messages is null")
		}
		for i, m := range messages {
			if m == nil {
				return nil, nil, fmt.Errorf("message %d is null", i)
			}
		}
	}
	return conv, messages, nil
}

func (r *Repository) buildImport(src *importConversation, srcMessages []*importMessage) (*models.Conversation, []models.Message, error) {
	now := r.clock()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     "Imported " + now.Local().Format(time.RFC3339),
		Model:     UnknownModel,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if src != nil {
		if src.Title != nil {
			conv.Title = *src.Title
		}
		if src.Model != nil {
			conv.Model = *src.Model
		}
		if src.Summary != nil {
			conv.Summary = *src.Summary
		}
		if src.CreatedAt != nil {
			created, err := parseImportTime(*src.CreatedAt)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: conversation created_at: %v", ErrMalformedImport, err)
			}
			if created.Before(now) {
				conv.CreatedAt = created
			}
		}
	}

	messages := make([]models.Message, 0, len(srcMessages))
	for i, src := range srcMessages {
		msg := models.Message{
			ConvID:    conv.ID,
			Role:      models.RoleUser,
			Timestamp: now,
		}
		if src.Role != nil {
			msg.Role = models.Role(*src.Role)
			if !msg.Role.Valid() {
				return nil, nil, fmt.Errorf("%w: message %d: %w", ErrMalformedImport, i, ErrInvalidRole)
			}
		}
		if src.Content != nil {
			msg.Content = *src.Content
		}
		if src.Timestamp != nil {
			ts, err := parseImportTime(*src.Timestamp)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: message %d timestamp: %v", ErrMalformedImport, i, err)
			}
			msg.Timestamp = ts
		}
		messages = append(messages, msg)
	}
	return conv, messages, nil
}

func parseImportTime(s string) (time.Time, error) {
	for _, layout := range importTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync data: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	ok = true
	return nil
}
