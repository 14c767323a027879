package probe

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/edgebitio/edgebit-agentd/pkg/log"
	"github.com/edgebitio/edgebit-agentd/pkg/metrics"
	"github.com/edgebitio/edgebit-agentd/pkg/paths"
)

// rawOpenEvent mirrors the C struct the BPF program writes into the
// open-event buffer: a fixed-size path buffer, the observing pid, and
// the cgroup id at the time of the open.
type rawOpenEvent struct {
	Path     [4096]byte
	PID      uint32
	CgroupID uint64
}

// Events starts one goroutine per active buffer (ring or perf) and
// returns a channel of decoded FileOpenEvents. The channel is closed
// once the underlying reader is closed by Collection.Close.
func (c *Collection) Events() <-chan FileOpenEvent {
	out := make(chan FileOpenEvent, 256)

	if c.usingRingbuf {
		go c.readRingbuf(out)
	} else {
		go c.readPerf(out)
	}

	return out
}

func (c *Collection) readRingbuf(out chan<- FileOpenEvent) {
	defer close(out)
	logger := log.WithComponent("probe")

	for {
		record, err := c.openEvents.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			logger.Warn().Err(err).Msg("ring buffer read error")
			continue
		}

		ev, ok := decodeOpenEvent(record.RawSample)
		if !ok {
			continue
		}
		out <- ev
	}
}

func (c *Collection) readPerf(out chan<- FileOpenEvent) {
	defer close(out)
	logger := log.WithComponent("probe")

	for {
		record, err := c.perfEvents.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			logger.Warn().Err(err).Msg("perf buffer read error")
			continue
		}

		if record.LostSamples > 0 {
			metrics.ProbeEventsDropped.Add(float64(record.LostSamples))
			logger.Warn().Uint64("lost", record.LostSamples).Msg("perf buffer dropped samples")
			continue
		}

		ev, ok := decodeOpenEvent(record.RawSample)
		if !ok {
			continue
		}
		out <- ev
	}
}

// rawExitEvent mirrors the C struct the BPF program writes into the
// exit-event buffer on process exit.
type rawExitEvent struct {
	PID      uint32
	CgroupID uint64
}

// ExitEvents starts a goroutine reading the exit_events perf buffer, if
// the probe collection exposes one (older BPF objects built without
// process-exit tracking won't), and returns decoded events on a channel
// closed when the reader is closed by Collection.Close. Callers use this
// to forget pid-keyed caches, e.g. pkg/containers.PidResolver.Forget.
func (c *Collection) ExitEvents() <-chan ProcessExitEvent {
	out := make(chan ProcessExitEvent, 64)

	if c.exitEvents == nil {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		logger := log.WithComponent("probe")

		for {
			record, err := c.exitEvents.Read()
			if err != nil {
				if errors.Is(err, perf.ErrClosed) {
					return
				}
				logger.Warn().Err(err).Msg("exit perf buffer read error")
				continue
			}

			if record.LostSamples > 0 {
				logger.Warn().Uint64("lost", record.LostSamples).Msg("exit perf buffer dropped samples")
				continue
			}

			ev, ok := decodeExitEvent(record.RawSample)
			if !ok {
				continue
			}
			out <- ev
		}
	}()

	return out
}

func decodeExitEvent(raw []byte) (ProcessExitEvent, bool) {
	const size = 4 + 8
	if len(raw) < size {
		return ProcessExitEvent{}, false
	}

	return ProcessExitEvent{
		PID:      int(binary.LittleEndian.Uint32(raw[0:4])),
		CgroupID: binary.LittleEndian.Uint64(raw[4:12]),
	}, true
}

func decodeOpenEvent(raw []byte) (FileOpenEvent, bool) {
	const size = 4096 + 4 + 8
	if len(raw) < size {
		return FileOpenEvent{}, false
	}

	var e rawOpenEvent
	e.PID = binary.LittleEndian.Uint32(raw[4096:4100])
	e.CgroupID = binary.LittleEndian.Uint64(raw[4100:4108])
	copy(e.Path[:], raw[:4096])

	n := indexByte(e.Path[:], 0)
	if n < 0 {
		n = len(e.Path)
	}

	return FileOpenEvent{
		Path:      paths.HostPath(string(e.Path[:n])),
		PID:       int(e.PID),
		CgroupID:  e.CgroupID,
		Timestamp: time.Now(),
	}, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
