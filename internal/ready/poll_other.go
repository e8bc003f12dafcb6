//go:build !linux

package ready

import (
	"golang.org/x/sys/unix"
)

// initialPollSize is the poll backend's starting slot-array capacity,
// matching the C original's INITIAL_POLL_SIZE.
const initialPollSize = 1024

// pollGrowthFactor is the multiplier used each time the slot array must
// grow to fit more live links. The array is never shrunk.
const pollGrowthFactor = 2

// pollBackend is the POSIX poll(2) fallback. It owns a contiguous slot
// array rebuilt from the manager's link snapshot every tick — O(n) per
// tick, but it avoids tracking stable indices under concurrent
// registration. Each link's slot field points at this tick's entry only;
// it is meaningless outside of dispatch for the tick that populated it.
type pollBackend struct {
	fds []unix.PollFd
	// links mirrors fds 1:1 for this tick's dispatch; it is rebuilt by
	// the manager calling rebuild before every wait.
	links []*link

	// live tracks the number of registered links regardless of interest,
	// so add() can grow the array at registration time per spec §4.1 —
	// fds is reset to [:0] every tick by rebuild, so checking len(fds)
	// here would never see registrations accumulate.
	live int
}

func newBackend() (backend, error) {
	return &pollBackend{
		fds:   make([]unix.PollFd, 0, initialPollSize),
		links: make([]*link, 0, initialPollSize),
	}, nil
}

// add grows the slot array at registration time if the new live count
// would exceed capacity, per spec §4.1/§4.5: growth is driven by the
// number of registered Links, not by a tick's transient fds slice. The
// array itself is repopulated by rebuild() on the next tick.
func (b *pollBackend) add(l *link, interest Interest) error {
	b.live++
	if cap(b.fds) < b.live {
		b.grow()
	}
	return nil
}

func (b *pollBackend) grow() {
	newCap := cap(b.fds) * pollGrowthFactor
	if newCap == 0 {
		newCap = initialPollSize
	}
	grown := make([]unix.PollFd, len(b.fds), newCap)
	copy(grown, b.fds)
	b.fds = grown

	grownLinks := make([]*link, len(b.links), newCap)
	copy(grownLinks, b.links)
	b.links = grownLinks
}

// applyInterest just records the freshly queried interest on the link;
// the slot array is populated afterward, in refreshDone, from every live
// link's recorded interest.
func (b *pollBackend) applyInterest(l *link, newInterest Interest) error {
	l.interest = newInterest
	return nil
}

// refreshDone rebuilds the poll slot array from the snapshot now that
// every link's interest has been refreshed for this tick.
func (b *pollBackend) refreshDone(snapshot *link) {
	b.rebuild(snapshot)
}

// remove only decrements the live count so add() grows against an
// accurate figure; the slot array itself is untouched until the next
// rebuild simply omits the fd, matching the C original ("no explicit
// action for poll since the next tick simply omits it").
func (b *pollBackend) remove(l *link) error {
	b.live--
	return nil
}

func toPollEvents(interest Interest) int16 {
	switch interest {
	case Read:
		return unix.POLLIN
	case Write:
		return unix.POLLOUT
	case ReadWrite:
		return unix.POLLIN | unix.POLLOUT
	default:
		return 0
	}
}

// rebuild repopulates the slot array from the current snapshot, applying
// each link's cached interest. A link with interest None is omitted
// entirely, so dispatch never sees it, and its slot is set to -1.
func (b *pollBackend) rebuild(snapshot *link) {
	b.fds = b.fds[:0]
	b.links = b.links[:0]

	for l := snapshot; l != nil; l = l.next {
		if l.interest == None {
			l.slot = -1
			continue
		}
		if cap(b.fds) < len(b.fds)+1 {
			b.grow()
		}
		l.slot = len(b.fds)
		b.fds = append(b.fds, unix.PollFd{Fd: int32(l.fd), Events: toPollEvents(l.interest)})
		b.links = append(b.links, l)
	}
}

func (b *pollBackend) wait(dst []event) ([]event, error) {
	n, err := unix.Poll(b.fds, int(waitCeiling.Milliseconds()))
	if err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return dst, nil
		}
		return dst, errBackend("poll failed", err)
	}
	if n <= 0 {
		return dst, nil
	}

	for i, pfd := range b.fds {
		if pfd.Revents == 0 {
			continue
		}
		l := b.links[i]
		var kind eventKind
		if pfd.Revents&unix.POLLIN != 0 {
			kind |= evRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			kind |= evWrite
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			kind |= evErr
		}
		dst = append(dst, event{link: l, kind: kind})
	}
	return dst, nil
}

func (b *pollBackend) close() error { return nil }
