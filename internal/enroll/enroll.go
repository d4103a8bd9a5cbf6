// Package enroll tracks which users have ever opened a direct channel with
// the bot. Telegram bots cannot initiate private chats, so a recorded opt-in
// is the only reason to expect a later direct send to land.
package enroll

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leavenote/leavenote/internal/logging"
)

// Record is one user's enrollment state.
type Record struct {
	UserID           int64     `json:"user_id"`
	HasDirectChannel bool      `json:"has_direct_channel"`
	EnrolledAt       time.Time `json:"enrolled_at,omitempty"`
}

const stateFileName = "leavenote_enrollments.json"

// StateFilePath resolves where enrollment state is persisted.
// LEAVENOTE_STATE_DIR overrides the location; "-" disables persistence.
func StateFilePath() string {
	if dir := os.Getenv("LEAVENOTE_STATE_DIR"); dir != "" {
		if dir == "-" {
			return ""
		}
		return filepath.Join(dir, stateFileName)
	}
	// Prefer a persistent location when possible; fall back to the current
	// working dir rather than a temp dir that may be cleared on reboot.
	defaultDir := "/var/lib/leavenote"
	if err := os.MkdirAll(defaultDir, 0o755); err == nil {
		return filepath.Join(defaultDir, stateFileName)
	}
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, stateFileName)
	}
	return filepath.Join(os.TempDir(), stateFileName)
}

// Tracker holds enrollment records, mutating them only under its mutex and
// mirroring every change to the state file when one is configured.
// HasDirectChannel is monotonic: nothing here ever sets it back to false.
type Tracker struct {
	mu      sync.Mutex
	records map[int64]Record
	path    string

	Now func() time.Time // injectable clock for testing
}

// NewTracker builds a tracker persisted at path ("" keeps state in memory
// only). An unreadable state file is logged and treated as empty; losing
// enrollment hints must never stop update processing.
func NewTracker(path string) *Tracker {
	t := &Tracker{records: make(map[int64]Record), path: path, Now: time.Now}
	if path == "" {
		return t
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Get().Warn().Err(err).Str("path", path).Msg("failed reading enrollment state; starting empty")
		}
		return t
	}
	if err := json.Unmarshal(data, &t.records); err != nil {
		logging.Get().Warn().Err(err).Str("path", path).Msg("corrupt enrollment state; starting empty")
		t.records = make(map[int64]Record)
	}
	return t
}

// RecordJoin notes that a user is (again) a member. Joining alone does not
// make a user directly reachable.
func (t *Tracker) RecordJoin(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[userID]; ok {
		return
	}
	t.records[userID] = Record{UserID: userID}
	t.persistLocked()
}

// RecordOptIn marks a user as directly reachable. Called on an explicit
// opt-in (private message or inline-button press) and after any successful
// direct send.
func (t *Tracker) RecordOptIn(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[userID]
	if r.HasDirectChannel {
		return
	}
	r.UserID = userID
	r.HasDirectChannel = true
	r.EnrolledAt = t.Now().UTC()
	t.records[userID] = r
	t.persistLocked()
}

// ReachableDirectly reports whether a direct send to the user is expected to
// land. Best-effort hint: the user may have revoked contact since.
func (t *Tracker) ReachableDirectly(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[userID].HasDirectChannel
}

// Enrolled returns the number of users with an open direct channel.
func (t *Tracker) Enrolled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.records {
		if r.HasDirectChannel {
			n++
		}
	}
	return n
}

// persistLocked mirrors the records to the state file. Failures are logged
// and swallowed: persistence is an upgrade, not a dependency.
func (t *Tracker) persistLocked() {
	if t.path == "" {
		return
	}
	b, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		logging.Get().Warn().Err(err).Msg("failed to marshal enrollment state")
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		logging.Get().Warn().Err(err).Msg("failed to create enrollment state dir")
		return
	}
	if err := os.WriteFile(t.path, b, 0o640); err != nil {
		logging.Get().Warn().Err(fmt.Errorf("write enrollment state: %w", err)).Msg("failed to persist enrollment state")
	}
}
