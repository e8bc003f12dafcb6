//go:build linux

package ready

import (
	"sync"

	"golang.org/x/sys/unix"
)

// epollBackend is the level-triggered Linux backend: one epoll instance per
// manager, fds resolved back to their link through a map guarded by a
// mutex (epoll_ctl/epoll_wait are otherwise safe to call concurrently, but
// the map is not). Wait buffer is reused across calls, sized for 100
// events per spec §4.4.
type epollBackend struct {
	fd int

	mu    sync.RWMutex
	links map[int32]*link

	buf []unix.EpollEvent
}

const epollWaitSize = 100

func newBackend() (backend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errBackend("epoll_create1 failed", err)
	}
	return &epollBackend{
		fd:    fd,
		links: make(map[int32]*link),
		buf:   make([]unix.EpollEvent, epollWaitSize),
	}, nil
}

func toEpollEvents(interest Interest) uint32 {
	switch interest {
	case Read:
		return unix.EPOLLIN
	case Write:
		return unix.EPOLLOUT
	case ReadWrite:
		return unix.EPOLLIN | unix.EPOLLOUT
	default:
		return 0
	}
}

func (b *epollBackend) add(l *link, interest Interest) error {
	b.mu.Lock()
	b.links[int32(l.fd)] = l
	b.mu.Unlock()

	ev := unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(l.fd)}
	if err := unix.EpollCtl(b.fd, unix.EPOLL_CTL_ADD, l.fd, &ev); err != nil {
		return errBackend("epoll_ctl add failed", err)
	}
	return nil
}

// applyInterest installs a changed interest mask with the kernel. A None
// answer installs an empty mask, so the fd raises no read or write events
// (the kernel still reports hangup and error conditions) until the handler
// asks for Read or Write again — the same quiescing the poll backend gets
// by omitting the fd from its slot array.
func (b *epollBackend) applyInterest(l *link, newInterest Interest) error {
	if newInterest == l.interest {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpollEvents(newInterest), Fd: int32(l.fd)}
	if err := unix.EpollCtl(b.fd, unix.EPOLL_CTL_MOD, l.fd, &ev); err != nil {
		return errBackend("epoll_ctl modify failed", err)
	}
	l.interest = newInterest
	return nil
}

// refreshDone is a no-op for epoll: interest changes are installed
// eagerly in applyInterest, there is no array to rebuild.
func (b *epollBackend) refreshDone(snapshot *link) {}

func (b *epollBackend) remove(l *link) error {
	b.mu.Lock()
	delete(b.links, int32(l.fd))
	b.mu.Unlock()

	if err := unix.EpollCtl(b.fd, unix.EPOLL_CTL_DEL, l.fd, nil); err != nil {
		return errBackend("epoll_ctl delete failed", err)
	}
	return nil
}

func (b *epollBackend) wait(dst []event) ([]event, error) {
	n, err := unix.EpollWait(b.fd, b.buf, int(waitCeiling/1_000_000))
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errBackend("epoll_wait failed", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := 0; i < n; i++ {
		raw := b.buf[i]
		l, ok := b.links[raw.Fd]
		if !ok {
			continue
		}
		var kind eventKind
		if raw.Events&unix.EPOLLIN != 0 {
			kind |= evRead
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			kind |= evWrite
		}
		if raw.Events&(unix.EPOLLERR|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLPRI) != 0 {
			kind |= evErr
		}
		dst = append(dst, event{link: l, kind: kind})
	}
	return dst, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.fd)
}
