// Package dispatch is the only component that performs outbound sends. Every
// transport failure mode is folded into a three-valued outcome so the
// delivery policy can branch on data instead of error chains: Sent, Rejected
// (permanent, do not retry this target) or Error (transient, caller may fall
// back but nothing here retries).
package dispatch

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leavenote/leavenote/internal/logging"
	"github.com/leavenote/leavenote/internal/metrics"
	"github.com/leavenote/leavenote/internal/telegram"
)

// Target names where an attempt was aimed.
type Target string

const (
	TargetDirect Target = "direct"
	TargetGroup  Target = "group"
)

// Outcome is the normalized result of one send attempt.
type Outcome string

const (
	Sent     Outcome = "sent"
	Rejected Outcome = "rejected"
	Error    Outcome = "error"
)

// Attempt is the ephemeral record of one dispatch call. ID ties a direct
// attempt and its fallback together in the logs.
type Attempt struct {
	ID      string
	Target  Target
	UserID  int64
	Outcome Outcome
	Reason  string
}

// Sender is the transport surface the dispatcher needs.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error
}

// Dispatcher performs sends through a Telegram client.
type Dispatcher struct {
	client Sender
}

// New builds a dispatcher on top of the given transport.
func New(client Sender) *Dispatcher {
	return &Dispatcher{client: client}
}

// SendDirect attempts a private message to the user. In Telegram a private
// chat with a user shares the user's id, so the user id is the chat id.
func (d *Dispatcher) SendDirect(ctx context.Context, userID int64, text string) Attempt {
	return d.send(ctx, Attempt{ID: uuid.NewString(), Target: TargetDirect, UserID: userID}, userID, text, nil)
}

// SendToGroup sends text into the group, optionally with an inline keyboard.
// attemptID carries the id of a preceding direct attempt when this is its
// fallback; pass "" for standalone group messages.
func (d *Dispatcher) SendToGroup(ctx context.Context, groupID int64, text string, markup *telegram.InlineKeyboardMarkup, attemptID string) Attempt {
	if attemptID == "" {
		attemptID = uuid.NewString()
	}
	return d.send(ctx, Attempt{ID: attemptID, Target: TargetGroup}, groupID, text, markup)
}

func (d *Dispatcher) send(ctx context.Context, a Attempt, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) Attempt {
	err := d.client.SendMessage(ctx, chatID, text, markup)
	a.Outcome, a.Reason = classify(err)

	var ev *zerolog.Event
	if a.Outcome == Sent {
		ev = logging.Get().Info()
	} else {
		ev = logging.Get().Warn()
	}
	ev.Str("attempt", a.ID).
		Str("target", string(a.Target)).
		Int64("chat", chatID).
		Str("outcome", string(a.Outcome)).
		Str("reason", a.Reason).
		Msg("dispatch")
	metrics.IncDispatch(string(a.Target), string(a.Outcome))
	return a
}

// classify folds transport errors into the three-valued outcome. Bot API 403
// covers every flavor of "this user will never receive this" (blocked the
// bot, never started a chat, deactivated account); 400 means the chat id
// itself is unusable. Both are permanent. Flood control (429), server errors
// and network failures are transient.
func classify(err error) (Outcome, string) {
	if err == nil {
		return Sent, ""
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 403:
			return Rejected, apiErr.Description
		case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Description), "chat not found"):
			return Rejected, apiErr.Description
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return Error, apiErr.Description
		default:
			return Rejected, apiErr.Description
		}
	}
	// transport-level failure: timeout, connection reset, cancellation
	return Error, err.Error()
}
