package probe

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/edgebitio/edgebit-agentd/pkg/log"
	"github.com/edgebitio/edgebit-agentd/pkg/paths"
)

// Fanotify is the OS-level filesystem-open notifier used when the eBPF
// probes can't be loaded. It marks a single mountpoint for
// FAN_OPEN_PERM-free notification and resolves each event's fd back to a
// path via /proc/self/fd.
type Fanotify struct {
	fd int
}

// NewFanotify initializes a new fanotify group and marks mountpoint for
// open notification.
func NewFanotify(mountpoint string) (*Fanotify, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_NOTIF|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK, unix.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("fanotify_init: %w", err)
	}

	err = unix.FanotifyMark(fd, unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT, unix.FAN_OPEN, unix.AT_FDCWD, mountpoint)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fanotify_mark %s: %w", mountpoint, err)
	}

	return &Fanotify{fd: fd}, nil
}

// Close releases the fanotify group.
func (f *Fanotify) Close() error {
	return unix.Close(f.fd)
}

// Events reads FileOpenEvents from the fanotify group until Close is
// called, at which point the returned channel is closed.
func (f *Fanotify) Events() <-chan FileOpenEvent {
	out := make(chan FileOpenEvent, 256)
	go f.run(out)
	return out
}

func (f *Fanotify) run(out chan<- FileOpenEvent) {
	defer close(out)
	logger := log.WithComponent("fanotify")

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(f.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if err == unix.EBADF {
				return // closed
			}
			logger.Warn().Err(err).Msg("fanotify read error")
			continue
		}

		for offset := 0; offset+int(unsafe.Sizeof(unix.FanotifyEventMetadata{})) <= n; {
			meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[offset]))
			if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
				logger.Warn().Msg("unexpected fanotify metadata version")
				break
			}

			if ev, ok := f.toEvent(meta); ok {
				out <- ev
			}

			offset += int(meta.Event_len)
		}
	}
}

func (f *Fanotify) toEvent(meta *unix.FanotifyEventMetadata) (FileOpenEvent, bool) {
	fd := int(meta.Fd)
	if fd < 0 {
		return FileOpenEvent{}, false
	}
	defer unix.Close(fd)

	link := fmt.Sprintf("/proc/self/fd/%d", fd)
	target, err := os.Readlink(link)
	if err != nil {
		return FileOpenEvent{}, false
	}

	return FileOpenEvent{
		Path:      paths.HostPath(target),
		PID:       int(meta.Pid),
		Timestamp: time.Now(),
	}, true
}
