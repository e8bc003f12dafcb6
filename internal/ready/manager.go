package ready

import "sync"

// Manager owns the set of registered Links and drives the event loop.
// Registration may be called from any goroutine; everything else —
// unregistration, dispatch, iteration, and the periodic sweep — happens on
// whichever goroutine calls Tick, which must be a single, dedicated I/O
// goroutine. The mutex here protects only head insertion and the head
// read at the start of a tick; it is never held across a syscall or a
// Handler callback.
type Manager struct {
	mu    sync.Mutex
	head  *link
	count int

	backend backend
	clock   Clock
	logger  Logger

	nextCheck float64

	// scratch buffers reused across ticks to avoid per-tick allocation.
	events []event
}

// NewManager allocates a Manager and its backend. logger may be nil, in
// which case the standard library's default logger is used.
func NewManager(logger Logger) (*Manager, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = stdLogger{}
	}
	clock := newSystemClock()
	return &Manager{
		backend:   b,
		clock:     clock,
		logger:    logger,
		nextCheck: clock.Now() + checkInterval,
		events:    make([]event, 0, 128),
	}, nil
}

// Register allocates a Link for fd, prepends it to the list under the
// mutex, and asks the backend to add the fd with READ as the default
// interest. The backend call happens outside the mutex: it is safe
// because removals run only on the I/O thread, and register either is
// that thread or a setup-time caller before the thread is running.
//
// On backend-add failure the Link is left linked — this matches the C
// original's behavior (see SPEC_FULL.md §4), which risks leaking a
// half-registered Link; callers that can't tolerate that should treat a
// non-nil error as fatal for the whole Manager rather than retrying.
func (m *Manager) Register(fd int, handler Handler, ctx any) error {
	l := &link{fd: fd, ctx: ctx, handler: handler, interest: Read, slot: -1}

	m.mu.Lock()
	l.next = m.head
	if m.head != nil {
		m.head.prev = l
	}
	m.head = l
	m.count++
	m.mu.Unlock()

	if err := m.backend.add(l, Read); err != nil {
		return err
	}
	return nil
}

// unregister unlinks l from the list and tears it down. I/O thread only.
func (m *Manager) unregister(l *link) {
	m.mu.Lock()
	if l.prev == nil {
		m.head = l.next
	} else {
		l.prev.next = l.next
	}
	if l.next != nil {
		l.next.prev = l.prev
	}
	m.count--
	m.mu.Unlock()

	if err := m.backend.remove(l); err != nil {
		m.logger.Printf("backend remove failed for fd=%d: %v", l.fd, err)
	}
	if l.handler != nil {
		l.handler.Destroy(l.ctx)
	}
	l.prev, l.next = nil, nil
}

// snapshotHead reads the current list head under the mutex. Insertions
// that land after this point are visible starting with the next tick.
func (m *Manager) snapshotHead() *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head
}

// Tick runs one iteration of the event loop: interest refresh, backend
// wait, dispatch, and — at most twice a second — the liveness sweep. The
// caller is expected to call Tick in a loop until shutdown.
func (m *Manager) Tick() error {
	snapshot := m.snapshotHead()

	for l := snapshot; l != nil; l = l.next {
		var newInterest Interest
		if l.handler != nil {
			newInterest = l.handler.IO(l.ctx)
		}
		if err := m.backend.applyInterest(l, newInterest); err != nil {
			m.logger.Printf("interest update failed for fd=%d: %v", l.fd, err)
		}
	}
	m.backend.refreshDone(snapshot)

	m.events = m.events[:0]
	events, err := m.backend.wait(m.events)
	if err != nil {
		return err
	}
	m.events = events

	for _, ev := range m.events {
		l := ev.link
		if l.handler == nil {
			continue
		}
		if ev.kind&evRead != 0 {
			if !l.handler.Read(m, l.ctx) {
				m.unregister(l)
				continue
			}
		}
		if ev.kind&evWrite != 0 {
			if !l.handler.Write(l.ctx) {
				m.unregister(l)
				continue
			}
		}
		if ev.kind&evErr != 0 {
			l.handler.Error(l.ctx)
			m.unregister(l)
			continue
		}
	}

	now := m.clock.Now()
	if now >= m.nextCheck {
		// Re-snapshot: dispatch above may have unregistered the link this
		// tick's original snapshot started from (or any other), nilling its
		// next/prev and already calling Destroy. Walking the stale snapshot
		// would re-Check and possibly re-Destroy a torn-down link, and stop
		// dead at its nilled .next, skipping every Link registered after it.
		for l := m.snapshotHead(); l != nil; {
			next := l.next
			if l.handler != nil {
				if !l.handler.Check(l.ctx, now) {
					m.unregister(l)
				}
			}
			l = next
		}
		m.nextCheck = m.clock.Now() + checkInterval
	}

	return nil
}

// Iterate walks the live Links read-only, calling visit(ctx) for each in
// list order (newest-registered first). The caller must not mutate the
// Manager from within visit.
func (m *Manager) Iterate(visit func(ctx any)) {
	for l := m.snapshotHead(); l != nil; l = l.next {
		visit(l.ctx)
	}
}

// Count returns the number of currently registered Links.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Close walks the remaining Links, invoking Destroy on each surviving
// context, then releases the backend. It must be called after the I/O
// thread driving Tick has stopped.
func (m *Manager) Close() error {
	for l := m.head; l != nil; {
		next := l.next
		if l.handler != nil {
			l.handler.Destroy(l.ctx)
		}
		l.prev, l.next = nil, nil
		l = next
	}
	m.head = nil
	m.count = 0
	return m.backend.close()
}
