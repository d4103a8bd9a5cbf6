// Package pipeline wires the membership-event flow together: raw update in,
// normalized event through the dedup ledger, then the delivery policy out
// through the dispatcher. One long-lived Pipeline per process owns the
// ledger and enrollment tracker; there are no package-level singletons.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leavenote/leavenote/internal/config"
	"github.com/leavenote/leavenote/internal/dispatch"
	"github.com/leavenote/leavenote/internal/enroll"
	"github.com/leavenote/leavenote/internal/event"
	"github.com/leavenote/leavenote/internal/ledger"
	"github.com/leavenote/leavenote/internal/logging"
	"github.com/leavenote/leavenote/internal/metrics"
	"github.com/leavenote/leavenote/internal/telegram"
)

// Dispatcher is the outbound surface the pipeline drives.
type Dispatcher interface {
	SendDirect(ctx context.Context, userID int64, text string) dispatch.Attempt
	SendToGroup(ctx context.Context, groupID int64, text string, markup *telegram.InlineKeyboardMarkup, attemptID string) dispatch.Attempt
}

// CallbackAnswerer acknowledges inline-button presses.
type CallbackAnswerer interface {
	AnswerCallbackQuery(ctx context.Context, queryID, text string) error
}

// optInCallbackData identifies the enrollment button.
const optInCallbackData = "optin"

// Pipeline consumes raw updates and runs the detection and delivery flow.
type Pipeline struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	tracker  *enroll.Tracker
	disp     Dispatcher
	answerer CallbackAnswerer
	// botUsername enables the t.me deep-link opt-in button; when unknown the
	// invitation falls back to a callback button
	botUsername string

	wg  sync.WaitGroup // tracks in-flight update handlers
	Now func() time.Time
}

// New constructs a pipeline owning the given collaborators.
func New(cfg *config.Config, led *ledger.Ledger, tracker *enroll.Tracker, disp Dispatcher, answerer CallbackAnswerer, botUsername string) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		ledger:      led,
		tracker:     tracker,
		disp:        disp,
		answerer:    answerer,
		botUsername: botUsername,
		Now:         time.Now,
	}
}

// Bind returns the update handler for the transport loop. Each update is
// processed on its own goroutine; the dedup ledger is the only
// synchronization point between them, so unrelated users' departures never
// serialize behind each other.
func (p *Pipeline) Bind(ctx context.Context) func(telegram.Update) {
	return func(u telegram.Update) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() {
				// one bad update must never take down the loop
				if r := recover(); r != nil {
					logging.Get().Error().Interface("panic", r).Int64("update", u.UpdateID).Msg("recovered while handling update")
				}
			}()
			p.process(ctx, u)
		}()
	}
}

// Wait blocks until in-flight handlers finish or ctx expires.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) process(ctx context.Context, u telegram.Update) {
	now := p.Now()
	metrics.SetLastUpdate(now)

	// opt-in surfaces: a private message or the invitation button
	if u.CallbackQuery != nil {
		p.handleCallback(ctx, u.CallbackQuery)
		return
	}
	if m := u.Message; m != nil && m.Chat.Type == "private" {
		p.handlePrivateMessage(ctx, m)
		return
	}

	for _, ev := range event.Normalize(u, p.cfg.GroupChatID, now) {
		metrics.IncUpdate(string(ev.Source))
		if !p.ledger.Admit(ev.Key()) {
			metrics.IncDuplicate()
			logging.Get().Debug().
				Int64("user", ev.UserID).
				Str("kind", string(ev.Kind)).
				Str("source", string(ev.Source)).
				Msg("duplicate occurrence discarded")
			continue
		}
		switch ev.Kind {
		case event.Left:
			p.handleLeft(ctx, ev)
		case event.Joined:
			p.handleJoined(ctx, ev)
		}
	}
}

// handleLeft runs the delivery state machine for one admitted departure:
// always attempt direct first, fall back to a group mention on Rejected or
// Error, done after at most one fallback. The enrollment hint never skips
// the direct attempt; attempting is the only way to learn true reachability.
func (p *Pipeline) handleLeft(ctx context.Context, ev event.Event) {
	reachable := p.tracker.ReachableDirectly(ev.UserID)
	logging.Get().Info().
		Int64("user", ev.UserID).
		Str("name", ev.DisplayName).
		Str("source", string(ev.Source)).
		Bool("enrolled", reachable).
		Msg("member left; attempting direct delivery")

	attempt := p.disp.SendDirect(ctx, ev.UserID, farewellText(ev.DisplayName))
	if attempt.Outcome == dispatch.Sent {
		// a landed direct send proves the channel exists
		p.tracker.RecordOptIn(ev.UserID)
		metrics.SetEnrollments(p.tracker.Enrolled())
		return
	}

	fb := p.disp.SendToGroup(ctx, p.cfg.GroupChatID, fallbackText(mention(ev)), nil, attempt.ID)
	if fb.Outcome != dispatch.Sent {
		// no further retry tier: log and move on
		logging.Get().Warn().
			Int64("user", ev.UserID).
			Str("reason", fb.Reason).
			Msg("fallback group message failed; giving up on this departure")
	}
}

// handleJoined posts the one-time invitation to open a direct chat. Advisory
// only: an ignored invitation simply leaves the user unenrolled.
func (p *Pipeline) handleJoined(ctx context.Context, ev event.Event) {
	p.tracker.RecordJoin(ev.UserID)
	logging.Get().Info().
		Int64("user", ev.UserID).
		Str("name", ev.DisplayName).
		Msg("member joined; posting direct-chat invitation")
	p.disp.SendToGroup(ctx, p.cfg.GroupChatID, welcomeText(ev.DisplayName), p.optInMarkup(), "")
}

func (p *Pipeline) handlePrivateMessage(ctx context.Context, m *telegram.Message) {
	from := m.From
	if from == nil || from.IsBot {
		return
	}
	newlyEnrolled := !p.tracker.ReachableDirectly(from.ID)
	// any private message proves the direct channel is open
	p.tracker.RecordOptIn(from.ID)
	metrics.SetEnrollments(p.tracker.Enrolled())

	if m.Text == "/start" || m.Text == "/start optin" {
		p.disp.SendDirect(ctx, from.ID, optInConfirmation)
		return
	}
	if newlyEnrolled {
		p.disp.SendDirect(ctx, from.ID, optInConfirmation)
	}
	// likely departure feedback; surfaced to operators through the log only
	logging.Get().Info().
		Int64("user", from.ID).
		Str("name", from.DisplayName()).
		Str("text", m.Text).
		Msg("private message received")
}

func (p *Pipeline) handleCallback(ctx context.Context, cq *telegram.CallbackQuery) {
	if cq.From.IsBot {
		return
	}
	if cq.Data != optInCallbackData {
		_ = p.answerer.AnswerCallbackQuery(ctx, cq.ID, "")
		return
	}
	p.tracker.RecordOptIn(cq.From.ID)
	metrics.SetEnrollments(p.tracker.Enrolled())
	if err := p.answerer.AnswerCallbackQuery(ctx, cq.ID, optInConfirmation); err != nil {
		logging.Get().Warn().Err(err).Str("query", cq.ID).Msg("failed answering opt-in callback")
	}
}

// optInMarkup builds the invitation button: a deep link into a private chat
// when the bot's handle is known, a callback button otherwise.
func (p *Pipeline) optInMarkup() *telegram.InlineKeyboardMarkup {
	btn := telegram.InlineKeyboardButton{Text: "Open a direct chat 💬"}
	if p.botUsername != "" {
		btn.URL = fmt.Sprintf("https://t.me/%s?start=optin", p.botUsername)
	} else {
		btn.CallbackData = optInCallbackData
	}
	return &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{{btn}}}
}

// mention addresses a departed member in the group: by handle when known,
// display name otherwise.
func mention(ev event.Event) string {
	if ev.Username != "" {
		return "@" + ev.Username
	}
	return ev.DisplayName
}
