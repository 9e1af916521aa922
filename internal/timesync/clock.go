package timesync

import (
	"context"
	"log/slog"
	"time"

	"github.com/beevik/ntp"
)

// Clock supplies the reference time the mesh clock is compared against.
type Clock interface {
	Now(ctx context.Context) time.Time
}

// SystemClock uses the host clock.
type SystemClock struct{}

func (SystemClock) Now(context.Context) time.Time { return time.Now() }

// NTPClock asks an NTP server for the time and falls back to the host clock
// when the server cannot be reached.
type NTPClock struct {
	Server  string
	Timeout time.Duration

	query func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
}

// NewNTPClock returns a clock backed by server.
func NewNTPClock(server string, timeout time.Duration) *NTPClock {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NTPClock{Server: server, Timeout: timeout, query: ntp.QueryWithOptions}
}

func (c *NTPClock) Now(ctx context.Context) time.Time {
	opts := ntp.QueryOptions{Timeout: c.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < opts.Timeout {
			opts.Timeout = left
		}
	}

	resp, err := c.query(c.Server, opts)
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		slog.Warn("[TIME] NTP query failed, using system time", "server", c.Server, "error", err)
		return time.Now()
	}
	return time.Now().Add(resp.ClockOffset)
}
