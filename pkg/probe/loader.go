// Package probe loads and drives the in-kernel eBPF programs that watch
// open/openat/openat2/creat syscall exits and process exit, plus a
// fanotify-based fallback notifier for kernels or environments where the
// eBPF probes can't be loaded (missing BTF, locked-down kernel, a
// verifier rejection of one of the optional probes).
package probe

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/hashicorp/go-multierror"

	"github.com/edgebitio/edgebit-agentd/pkg/log"
	"github.com/edgebitio/edgebit-agentd/pkg/metrics"
)

// minKernelVersion is the lowest kernel we expect tracepoint-exit
// arguments and BPF ring buffers to work on.
var minKernelVersion = [3]int{5, 8, 0}

// tracepointNames lists every tracepoint program the loader attempts to
// attach, in the order they're tried; a program that fails the verifier
// is disabled and retried without it rather than aborting the whole
// probe layer. The sys_enter_* half stashes the path argument being
// opened; the sys_exit_* half reads it back once the return value (and
// therefore success/failure and the resulting fd) is known.
// sched_process_exit needs neither pairing, just its own entry here.
var tracepointNames = []string{
	"sys_enter_open",
	"sys_enter_openat",
	"sys_enter_openat2",
	"sys_enter_creat",
	"sys_exit_open",
	"sys_exit_openat",
	"sys_exit_openat2",
	"sys_exit_creat",
	"sched_process_exit",
}

// Collection wraps the loaded eBPF maps and programs and the links
// keeping them attached.
type Collection struct {
	coll  *ebpf.Collection
	links []link.Link

	openEvents *ringbuf.Reader
	perfEvents *perf.Reader
	exitEvents *perf.Reader

	usingRingbuf bool
}

// LoadOptions configures which optional probes to attach.
type LoadOptions struct {
	// DisabledPrograms lists tracepoint program names to skip attaching,
	// used to retry after a verifier rejection of one specific program
	// rather than giving up on the whole collection.
	DisabledPrograms map[string]bool
}

// Load loads the collection described by spec (read at runtime from the
// compiled object by LoadSpec) and attaches every non-disabled tracepoint
// program. Programs named in opts.DisabledPrograms are dropped from spec
// before loading, so the verifier never sees them. The open-event
// channel is a BPF ring buffer when spec defines open_events_ringbuf and
// a perf event array reader otherwise; the choice depends only on the
// maps in the object, not on what the running kernel supports, and the
// program in pkg/probe/bpf writes open events only to the ring buffer.
func Load(spec *ebpf.CollectionSpec, opts LoadOptions) (*Collection, error) {
	if err := checkKernelVersion(minKernelVersion); err != nil {
		return nil, err
	}

	usingRingbuf := spec.Maps["open_events_ringbuf"] != nil
	if usingRingbuf {
		metrics.ProbeUsingRingBuffer.Set(1)
	} else {
		metrics.ProbeUsingRingBuffer.Set(0)
		log.WithComponent("probe").Warn().Msg("ring buffer map not present, falling back to perf buffer")
	}

	for name, disabled := range opts.DisabledPrograms {
		if disabled {
			delete(spec.Programs, name)
		}
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading bpf collection: %w", err)
	}

	c := &Collection{coll: coll, usingRingbuf: usingRingbuf}

	if err := c.attachTracepoints(opts); err != nil {
		c.Close()
		return nil, err
	}

	if err := c.openReaders(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Collection) attachTracepoints(opts LoadOptions) error {
	var merr *multierror.Error

	for _, name := range tracepointNames {
		if opts.DisabledPrograms[name] {
			continue
		}

		prog := c.coll.Programs[name]
		if prog == nil {
			merr = multierror.Append(merr, fmt.Errorf("program %s missing from collection", name))
			continue
		}

		tpCategory, tpName := splitTracepoint(name)
		l, err := link.Tracepoint(tpCategory, tpName, prog, nil)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("attaching tracepoint %s: %w", name, err))
			continue
		}

		c.links = append(c.links, l)
	}

	if len(c.links) == 0 {
		return fmt.Errorf("no tracepoints attached: %w", merr.ErrorOrNil())
	}
	return nil
}

// tracepointCategories maps a probe program name to the tracepoint
// category it attaches under, for the one program that doesn't live
// under "syscalls" like the rest.
var tracepointCategories = map[string]string{
	"sched_process_exit": "sched",
}

// splitTracepoint maps a probe program name to its (category, name)
// tracepoint coordinates.
func splitTracepoint(progName string) (category, name string) {
	if cat, ok := tracepointCategories[progName]; ok {
		return cat, progName
	}
	return "syscalls", progName
}

func (c *Collection) openReaders() error {
	if c.usingRingbuf {
		rd, err := ringbuf.NewReader(c.coll.Maps["open_events_ringbuf"])
		if err != nil {
			return fmt.Errorf("opening ring buffer reader: %w", err)
		}
		c.openEvents = rd
	} else {
		rd, err := perf.NewReader(c.coll.Maps["open_events_perf"], os.Getpagesize()*64)
		if err != nil {
			return fmt.Errorf("opening perf reader: %w", err)
		}
		c.perfEvents = rd
	}

	if m := c.coll.Maps["exit_events"]; m != nil {
		rd, err := perf.NewReader(m, os.Getpagesize()*4)
		if err != nil {
			return fmt.Errorf("opening exit perf reader: %w", err)
		}
		c.exitEvents = rd
	}

	return nil
}

// UsingRingBuffer reports which open-event transport is active, useful
// for metrics labeling.
func (c *Collection) UsingRingBuffer() bool { return c.usingRingbuf }

// Close releases every reader, link, and map/program in the collection.
func (c *Collection) Close() error {
	var merr *multierror.Error

	if c.openEvents != nil {
		merr = multierror.Append(merr, c.openEvents.Close())
	}
	if c.perfEvents != nil {
		merr = multierror.Append(merr, c.perfEvents.Close())
	}
	if c.exitEvents != nil {
		merr = multierror.Append(merr, c.exitEvents.Close())
	}
	for _, l := range c.links {
		merr = multierror.Append(merr, l.Close())
	}
	if c.coll != nil {
		c.coll.Close()
	}

	return merr.ErrorOrNil()
}

// checkKernelVersion compares the running kernel's release against min,
// without calling into cgo or shelling out to uname.
func checkKernelVersion(min [3]int) error {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return fmt.Errorf("reading kernel version: %w", err)
	}

	release := strings.TrimSpace(string(data))
	parts := strings.SplitN(release, "-", 2)
	verParts := strings.Split(parts[0], ".")

	var got [3]int
	for i := 0; i < 3 && i < len(verParts); i++ {
		n, err := strconv.Atoi(verParts[i])
		if err != nil {
			break
		}
		got[i] = n
	}

	for i := 0; i < 3; i++ {
		if got[i] > min[i] {
			return nil
		}
		if got[i] < min[i] {
			return fmt.Errorf("kernel %s is older than required %d.%d.%d", release, min[0], min[1], min[2])
		}
	}
	return nil
}

// IsVerifierRejection reports whether err looks like a BPF verifier
// rejection of a specific program, used by the caller to decide whether
// to retry Load with the optional openat2 programs added to
// DisabledPrograms.
func IsVerifierRejection(err error) bool {
	var verr *ebpf.VerifierError
	return errors.As(err, &verr)
}
