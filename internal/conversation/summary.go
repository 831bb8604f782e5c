package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/algae514/zerocode-llm-chat/internal/db"
	"github.com/algae514/zerocode-llm-chat/internal/models"
)

const (
	summaryLength = 50
	summaryMarker = "..."
)

// SummaryPolicy decides which message, if any, becomes a conversation's summary.
type SummaryPolicy int

const (
	// FirstMessage summarizes the very first message of a conversation, and
	// only when it was written by the user. A conversation that opens with an
	// assistant message keeps an empty summary.
	FirstMessage SummaryPolicy = iota
	// FirstUserMessage summarizes the first user message whatever precedes it.
	FirstUserMessage
)

func (p SummaryPolicy) String() string {
	switch p {
	case FirstMessage:
		return "first_message"
	case FirstUserMessage:
		return "first_user_message"
	default:
		return fmt.Sprintf("SummaryPolicy(%d)", int(p))
	}
}

// ParseSummaryPolicy accepts the names returned by String. The empty string
// selects FirstMessage.
func ParseSummaryPolicy(s string) (SummaryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first_message":
		return FirstMessage, nil
	case "first_user_message":
		return FirstUserMessage, nil
	default:
		return FirstMessage, fmt.Errorf("unknown summary policy %q", s)
	}
}

// Summarize returns the first 50 characters of content, with "..." appended
// when anything was cut.
func Summarize(content string) string {
	runes := []rune(content)
	if len(runes) <= summaryLength {
		return content
	}
	return string(runes[:summaryLength]) + summaryMarker
}

// shouldSummarize must run inside the transaction that inserts the message,
// before the insert.
func (r *Repository) shouldSummarize(ctx context.Context, tx *db.Tx, conversationID string, role models.Role) (bool, error) {
	if role != models.RoleUser {
		return false, nil
	}

	switch r.policy {
	case FirstUserMessage:
		users, err := tx.CountMessagesByRole(ctx, conversationID, models.RoleUser)
		if err != nil || users > 0 {
			return false, err
		}
		summary, err := tx.GetSummary(ctx, conversationID)
		if err != nil {
			return false, err
		}
		return summary == "", nil
	default:
		count, err := tx.CountMessages(ctx, conversationID)
		if err != nil {
			return false, err
		}
		return count == 0, nil
	}
}
