package containers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// State names the phases a single runtime connection cycles through:
// disconnected, connecting, connected and listing the already-running
// containers, then streaming live events, back to disconnected on any
// error.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateListing
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListing:
		return "listing"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// RunLoop drives repeated connect/list/stream cycles of connect,
// calling logger.Warn() only on the first consecutive failure and
// logger.Debug() afterwards, so a runtime that's simply absent (e.g. no
// containerd on this host) doesn't spam the log forever.
func RunLoop(ctx context.Context, logger zerolog.Logger, backoff time.Duration, connect func(context.Context) error) {
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := connect(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		if failures == 1 {
			logger.Warn().Err(err).Msg("runtime connection failed, retrying")
		} else {
			logger.Debug().Err(err).Int("attempt", failures).Msg("runtime connection still failing")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
