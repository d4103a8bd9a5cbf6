package telegram

import (
	"context"
	"time"

	"github.com/leavenote/leavenote/internal/logging"
)

// pollErrorBackoff is the pause after a failed getUpdates call (tunable in tests)
var pollErrorBackoff = 3 * time.Second

// Poller drives the getUpdates long-poll loop and hands every update to
// Handle. Handle is called from the poll goroutine; handlers that need
// concurrency spawn their own workers.
type Poller struct {
	Client  *Client
	Timeout time.Duration
	Handle  func(Update)
}

// Run polls until ctx is cancelled. Transport errors are logged and retried
// after a short pause; the loop itself never gives up.
func (p *Poller) Run(ctx context.Context) {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := p.Client.GetUpdates(ctx, offset, p.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Get().Warn().Err(err).Msg("getUpdates failed; backing off")
			select {
			case <-time.After(pollErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.Handle(u)
		}
	}
}
