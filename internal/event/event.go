// Package event maps the two raw Telegram update shapes that report
// membership changes onto one canonical event type. Telegram reports the
// same real-world departure through both a status message and a chat_member
// transition; downstream deduplication relies on both channels producing
// identical keys here.
package event

import (
	"time"

	"github.com/leavenote/leavenote/internal/telegram"
)

// Kind distinguishes a join from a departure.
type Kind string

const (
	Joined Kind = "joined"
	Left   Kind = "left"
)

// Source names the raw channel an event came from.
type Source string

const (
	SourceStatusMessage    Source = "status_message"
	SourceTransitionUpdate Source = "transition_update"
)

// Event is one canonical membership change, source-agnostic.
type Event struct {
	GroupID     int64
	UserID      int64
	DisplayName string
	Username    string
	IsBot       bool
	Kind        Kind
	Source      Source
	ObservedAt  time.Time
}

// Key identifies the logical occurrence an event reports. Two events with
// the same key within the dedup window are the same departure or join.
type Key struct {
	GroupID int64
	UserID  int64
	Kind    Kind
}

// Key returns the dedup key for the event.
func (e Event) Key() Key {
	return Key{GroupID: e.GroupID, UserID: e.UserID, Kind: e.Kind}
}

// activeStatuses are the "in the group" side of a membership transition.
var activeStatuses = map[string]bool{
	telegram.StatusCreator:       true,
	telegram.StatusAdministrator: true,
	telegram.StatusMember:        true,
}

// goneStatuses are the "out of the group" side.
var goneStatuses = map[string]bool{
	telegram.StatusLeft:   true,
	telegram.StatusKicked: true,
}

// Normalize maps a raw update to zero or more membership events for the
// monitored group. Updates for other chats, bot accounts, and shapes that
// carry no membership change all yield nil. Pure: no side effects.
func Normalize(u telegram.Update, groupID int64, now time.Time) []Event {
	switch {
	case u.Message != nil:
		return fromStatusMessage(u.Message, groupID, now)
	case u.ChatMember != nil:
		return fromTransition(u.ChatMember, groupID, now)
	default:
		return nil
	}
}

func fromStatusMessage(m *telegram.Message, groupID int64, now time.Time) []Event {
	if m.Chat.ID != groupID {
		return nil
	}
	var out []Event
	if left := m.LeftChatMember; left != nil && !left.IsBot {
		out = append(out, fromUser(*left, groupID, Left, SourceStatusMessage, now))
	}
	for _, joined := range m.NewChatMembers {
		if joined.IsBot {
			continue
		}
		out = append(out, fromUser(joined, groupID, Joined, SourceStatusMessage, now))
	}
	return out
}

func fromTransition(cm *telegram.ChatMemberUpdated, groupID int64, now time.Time) []Event {
	if cm.Chat.ID != groupID {
		return nil
	}
	user := cm.NewChatMember.User
	if user.IsBot {
		return nil
	}
	// Only a transition from inside the group to outside it is a departure.
	// Lateral moves (member -> administrator) report no membership change.
	if !activeStatuses[cm.OldChatMember.Status] || !goneStatuses[cm.NewChatMember.Status] {
		return nil
	}
	return []Event{fromUser(user, groupID, Left, SourceTransitionUpdate, now)}
}

func fromUser(u telegram.User, groupID int64, kind Kind, src Source, now time.Time) Event {
	return Event{
		GroupID:     groupID,
		UserID:      u.ID,
		DisplayName: u.DisplayName(),
		Username:    u.Username,
		IsBot:       u.IsBot,
		Kind:        kind,
		Source:      src,
		ObservedAt:  now,
	}
}
