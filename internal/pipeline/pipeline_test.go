package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leavenote/leavenote/internal/config"
	"github.com/leavenote/leavenote/internal/dispatch"
	"github.com/leavenote/leavenote/internal/enroll"
	"github.com/leavenote/leavenote/internal/ledger"
	"github.com/leavenote/leavenote/internal/telegram"
)

const groupID int64 = -100123

type directCall struct {
	userID int64
	text   string
}

type groupCall struct {
	chatID    int64
	text      string
	markup    *telegram.InlineKeyboardMarkup
	attemptID string
}

type fakeDispatcher struct {
	mu            sync.Mutex
	directOutcome dispatch.Outcome
	directReason  string
	groupOutcome  dispatch.Outcome
	direct        []directCall
	group         []groupCall
	panicOnDirect bool
}

func (f *fakeDispatcher) SendDirect(ctx context.Context, userID int64, text string) dispatch.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnDirect {
		panic("boom")
	}
	f.direct = append(f.direct, directCall{userID: userID, text: text})
	out := f.directOutcome
	if out == "" {
		out = dispatch.Sent
	}
	return dispatch.Attempt{ID: "direct-1", Target: dispatch.TargetDirect, UserID: userID, Outcome: out, Reason: f.directReason}
}

func (f *fakeDispatcher) SendToGroup(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup, attemptID string) dispatch.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = append(f.group, groupCall{chatID: chatID, text: text, markup: markup, attemptID: attemptID})
	out := f.groupOutcome
	if out == "" {
		out = dispatch.Sent
	}
	return dispatch.Attempt{ID: attemptID, Target: dispatch.TargetGroup, Outcome: out}
}

func (f *fakeDispatcher) directCalls() []directCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]directCall(nil), f.direct...)
}

func (f *fakeDispatcher) groupCalls() []groupCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]groupCall(nil), f.group...)
}

type fakeAnswerer struct {
	mu      sync.Mutex
	answers []string
}

func (f *fakeAnswerer) AnswerCallbackQuery(ctx context.Context, queryID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, queryID+"|"+text)
	return nil
}

func newTestPipeline(disp *fakeDispatcher) (*Pipeline, *fakeAnswerer) {
	cfg := config.DefaultConfig()
	cfg.GroupChatID = groupID
	ans := &fakeAnswerer{}
	p := New(cfg, ledger.New(10*time.Minute, 100), enroll.NewTracker(""), disp, ans, "leavenote_bot")
	return p, ans
}

func leftStatusUpdate(u telegram.User) telegram.Update {
	return telegram.Update{UpdateID: 1, Message: &telegram.Message{
		Chat:           telegram.Chat{ID: groupID, Type: "supergroup"},
		LeftChatMember: &u,
	}}
}

func leftTransitionUpdate(u telegram.User) telegram.Update {
	return telegram.Update{UpdateID: 2, ChatMember: &telegram.ChatMemberUpdated{
		Chat:          telegram.Chat{ID: groupID},
		OldChatMember: telegram.ChatMember{User: u, Status: telegram.StatusMember},
		NewChatMember: telegram.ChatMember{User: u, Status: telegram.StatusLeft},
	}}
}

func TestDualChannelDepartureDispatchesOnce(t *testing.T) {
	disp := &fakeDispatcher{}
	p, _ := newTestPipeline(disp)
	ctx := context.Background()

	u := telegram.User{ID: 7, FirstName: "Ada", Username: "ada"}
	p.process(ctx, leftStatusUpdate(u))
	// the second channel reports the same departure moments later
	p.process(ctx, leftTransitionUpdate(u))

	if calls := disp.directCalls(); len(calls) != 1 {
		t.Fatalf("expected exactly one direct attempt, got %d", len(calls))
	}
	if calls := disp.groupCalls(); len(calls) != 0 {
		t.Fatalf("direct send succeeded; no fallback expected, got %d", len(calls))
	}
}

func TestRejectedDirectFallsBackToGroupMention(t *testing.T) {
	disp := &fakeDispatcher{directOutcome: dispatch.Rejected, directReason: "Forbidden: bot was blocked by the user"}
	p, _ := newTestPipeline(disp)

	u := telegram.User{ID: 7, FirstName: "Ada", Username: "ada"}
	p.process(context.Background(), leftStatusUpdate(u))

	group := disp.groupCalls()
	if len(group) != 1 {
		t.Fatalf("expected exactly one fallback, got %d", len(group))
	}
	if group[0].chatID != groupID {
		t.Fatalf("fallback must target the monitored group, got %d", group[0].chatID)
	}
	if !strings.Contains(group[0].text, "@ada") {
		t.Fatalf("fallback must mention the user by handle: %q", group[0].text)
	}
	if group[0].attemptID != "direct-1" {
		t.Fatalf("fallback must carry the direct attempt id, got %q", group[0].attemptID)
	}
}

func TestErrorDirectFallsBackExactlyOnce(t *testing.T) {
	disp := &fakeDispatcher{directOutcome: dispatch.Error, directReason: "timeout", groupOutcome: dispatch.Error}
	p, _ := newTestPipeline(disp)

	u := telegram.User{ID: 7, FirstName: "Ada"}
	p.process(context.Background(), leftStatusUpdate(u))

	if len(disp.directCalls()) != 1 {
		t.Fatalf("no retry of the direct target: %d calls", len(disp.directCalls()))
	}
	// fallback failed too; there is no further tier
	if len(disp.groupCalls()) != 1 {
		t.Fatalf("expected exactly one fallback even when it fails, got %d", len(disp.groupCalls()))
	}
}

func TestFallbackUsesDisplayNameWithoutHandle(t *testing.T) {
	disp := &fakeDispatcher{directOutcome: dispatch.Rejected}
	p, _ := newTestPipeline(disp)

	u := telegram.User{ID: 8, FirstName: "Grace", LastName: "Hopper"}
	p.process(context.Background(), leftStatusUpdate(u))

	group := disp.groupCalls()
	if len(group) != 1 {
		t.Fatalf("expected one fallback, got %d", len(group))
	}
	if !strings.Contains(group[0].text, "Grace Hopper") {
		t.Fatalf("fallback must fall back to the display name: %q", group[0].text)
	}
}

func TestSuccessfulDirectSendEnrollsUser(t *testing.T) {
	disp := &fakeDispatcher{}
	p, _ := newTestPipeline(disp)

	u := telegram.User{ID: 7, FirstName: "Ada"}
	p.process(context.Background(), leftStatusUpdate(u))

	if !p.tracker.ReachableDirectly(7) {
		t.Fatal("a landed direct send must mark the user reachable")
	}
}

func TestJoinOptInLeaveDeliversPrivately(t *testing.T) {
	disp := &fakeDispatcher{}
	p, _ := newTestPipeline(disp)
	ctx := context.Background()
	v := telegram.User{ID: 9, FirstName: "V"}

	// V joins: invitation in the group, not yet reachable
	p.process(ctx, telegram.Update{UpdateID: 10, Message: &telegram.Message{
		Chat:           telegram.Chat{ID: groupID, Type: "supergroup"},
		NewChatMembers: []telegram.User{v},
	}})
	if p.tracker.ReachableDirectly(9) {
		t.Fatal("joining must not enroll")
	}
	group := disp.groupCalls()
	if len(group) != 1 || group[0].markup == nil {
		t.Fatalf("expected one invitation with a button, got %+v", group)
	}

	// V opens a direct chat
	p.process(ctx, telegram.Update{UpdateID: 11, Message: &telegram.Message{
		Chat: telegram.Chat{ID: 9, Type: "private"},
		From: &v,
		Text: "/start optin",
	}})
	if !p.tracker.ReachableDirectly(9) {
		t.Fatal("private /start must enroll")
	}

	// V leaves, direct send lands: no fallback
	p.process(ctx, leftStatusUpdate(v))
	if len(disp.groupCalls()) != 1 {
		t.Fatalf("no fallback expected after a successful direct send, got %d group sends", len(disp.groupCalls()))
	}
	if !p.tracker.ReachableDirectly(9) {
		t.Fatal("enrollment is monotonic; departure must not clear it")
	}
}

func TestCallbackOptIn(t *testing.T) {
	disp := &fakeDispatcher{}
	p, ans := newTestPipeline(disp)

	p.process(context.Background(), telegram.Update{UpdateID: 12, CallbackQuery: &telegram.CallbackQuery{
		ID:   "cb1",
		From: telegram.User{ID: 5, FirstName: "W"},
		Data: "optin",
	}})
	if !p.tracker.ReachableDirectly(5) {
		t.Fatal("opt-in button must enroll")
	}
	if len(ans.answers) != 1 || !strings.HasPrefix(ans.answers[0], "cb1|") {
		t.Fatalf("callback must be answered: %v", ans.answers)
	}
}

func TestBotAccountsNeverDispatched(t *testing.T) {
	disp := &fakeDispatcher{}
	p, _ := newTestPipeline(disp)
	ctx := context.Background()
	bot := telegram.User{ID: 99, FirstName: "Helper", IsBot: true}

	p.process(ctx, leftStatusUpdate(bot))
	p.process(ctx, leftTransitionUpdate(bot))
	p.process(ctx, telegram.Update{UpdateID: 13, Message: &telegram.Message{
		Chat:           telegram.Chat{ID: groupID, Type: "supergroup"},
		NewChatMembers: []telegram.User{bot},
	}})

	if len(disp.directCalls()) != 0 || len(disp.groupCalls()) != 0 {
		t.Fatalf("bot events must never dispatch: %d direct, %d group", len(disp.directCalls()), len(disp.groupCalls()))
	}
}

func TestForeignChatIsInert(t *testing.T) {
	disp := &fakeDispatcher{}
	p, _ := newTestPipeline(disp)

	u := telegram.User{ID: 7, FirstName: "Ada"}
	p.process(context.Background(), telegram.Update{UpdateID: 14, Message: &telegram.Message{
		Chat:           telegram.Chat{ID: -999, Type: "supergroup"},
		LeftChatMember: &u,
	}})

	if len(disp.directCalls()) != 0 || len(disp.groupCalls()) != 0 {
		t.Fatal("updates for other conversations must not dispatch")
	}
	if p.ledger.Len() != 0 {
		t.Fatal("updates for other conversations must not touch the ledger")
	}
}

func TestIdenticalUpdateRedeliveryIsIdempotent(t *testing.T) {
	disp := &fakeDispatcher{}
	p, _ := newTestPipeline(disp)
	ctx := context.Background()

	upd := leftStatusUpdate(telegram.User{ID: 7, FirstName: "Ada"})
	p.process(ctx, upd)
	p.process(ctx, upd)

	if len(disp.directCalls()) != 1 {
		t.Fatalf("redelivering the same raw update must not dispatch twice: %d calls", len(disp.directCalls()))
	}
}

func TestBindRecoversFromPanic(t *testing.T) {
	disp := &fakeDispatcher{panicOnDirect: true}
	p, _ := newTestPipeline(disp)
	ctx := context.Background()
	handle := p.Bind(ctx)

	// must not crash the loop
	handle(leftStatusUpdate(telegram.User{ID: 7, FirstName: "Ada"}))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Wait(waitCtx); err != nil {
		t.Fatalf("handler did not finish after panic: %v", err)
	}

	// the loop keeps working for the next update
	disp.mu.Lock()
	disp.panicOnDirect = false
	disp.mu.Unlock()
	handle(leftStatusUpdate(telegram.User{ID: 8, FirstName: "Eve"}))
	waitCtx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	if err := p.Wait(waitCtx2); err != nil {
		t.Fatalf("wait after recovery: %v", err)
	}
	if len(disp.directCalls()) != 1 {
		t.Fatalf("expected the follow-up departure to dispatch, got %d", len(disp.directCalls()))
	}
}

func TestConcurrentDualChannelExactlyOneDispatch(t *testing.T) {
	for i := 0; i < 50; i++ {
		disp := &fakeDispatcher{}
		p, _ := newTestPipeline(disp)
		ctx := context.Background()
		handle := p.Bind(ctx)

		u := telegram.User{ID: 7, FirstName: "Ada"}
		handle(leftStatusUpdate(u))
		handle(leftTransitionUpdate(u))

		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := p.Wait(waitCtx); err != nil {
			cancel()
			t.Fatalf("run %d: handlers did not drain: %v", i, err)
		}
		cancel()
		if got := len(disp.directCalls()); got != 1 {
			t.Fatalf("run %d: expected exactly one direct attempt, got %d", i, got)
		}
	}
}

func TestEventKindsDedupIndependently(t *testing.T) {
	disp := &fakeDispatcher{}
	p, _ := newTestPipeline(disp)
	ctx := context.Background()
	u := telegram.User{ID: 7, FirstName: "Ada"}

	// join and leave are distinct occurrences for the same user
	p.process(ctx, telegram.Update{UpdateID: 20, Message: &telegram.Message{
		Chat:           telegram.Chat{ID: groupID, Type: "supergroup"},
		NewChatMembers: []telegram.User{u},
	}})
	p.process(ctx, leftStatusUpdate(u))

	if len(disp.directCalls()) != 1 {
		t.Fatalf("departure must dispatch despite the earlier join, got %d", len(disp.directCalls()))
	}
	if len(disp.groupCalls()) != 1 {
		t.Fatalf("join must post its invitation, got %d", len(disp.groupCalls()))
	}
}
