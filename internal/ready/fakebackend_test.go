package ready

import "sync"

// fakeBackend is an in-memory stand-in for the real OS backend so Manager's
// tick logic can be exercised deterministically on any GOOS, without real
// file descriptors or syscalls. Tests queue events with push and assert on
// the add/modify/remove call log.
type fakeBackend struct {
	mu sync.Mutex

	added    []int // fds passed to add
	removed  []int // fds passed to remove
	modified []int // fds that received a changed interest via applyInterest

	interests map[int]Interest // current interest per fd, as installed
	queued    []event          // events returned by the next wait call

	waitErr error
	closed  bool

	addErr error // when set, add() fails with this error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{interests: make(map[int]Interest)}
}

func (b *fakeBackend) add(l *link, interest Interest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addErr != nil {
		return b.addErr
	}
	b.added = append(b.added, l.fd)
	b.interests[l.fd] = interest
	return nil
}

func (b *fakeBackend) applyInterest(l *link, newInterest Interest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interests[l.fd] != newInterest {
		b.modified = append(b.modified, l.fd)
		b.interests[l.fd] = newInterest
	}
	l.interest = newInterest
	return nil
}

func (b *fakeBackend) refreshDone(snapshot *link) {}

func (b *fakeBackend) remove(l *link) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, l.fd)
	delete(b.interests, l.fd)
	return nil
}

// push enqueues an event for the next wait call. Like a real backend, wait
// filters it against the fd's interest as installed at wait time: a read
// event is dropped unless the fd is registered for Read/ReadWrite.
func (b *fakeBackend) push(l *link, kind eventKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, event{link: l, kind: kind})
}

func (b *fakeBackend) wait(dst []event) ([]event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waitErr != nil {
		return dst, b.waitErr
	}
	for _, ev := range b.queued {
		want := b.interests[ev.link.fd]
		if want != Read && want != ReadWrite {
			ev.kind &^= evRead
		}
		if want != Write && want != ReadWrite {
			ev.kind &^= evWrite
		}
		if ev.kind != 0 {
			dst = append(dst, ev)
		}
	}
	b.queued = nil
	return dst, nil
}

func (b *fakeBackend) close() error {
	b.closed = true
	return nil
}

// fakeClock lets tests move time forward deterministically instead of
// sleeping for the 0.5s sweep cadence.
type fakeClock struct{ t float64 }

func (c *fakeClock) Now() float64 { return c.t }

// testHandler is a configurable Handler for exercising Manager behavior.
type testHandler struct {
	ioFn      func(ctx any) Interest
	readFn    func(mgr *Manager, ctx any) bool
	writeFn   func(ctx any) bool
	errorFn   func(ctx any)
	checkFn   func(ctx any, now float64) bool
	destroyed int
	errored   int
}

func (h *testHandler) IO(ctx any) Interest {
	if h.ioFn != nil {
		return h.ioFn(ctx)
	}
	return Read
}

func (h *testHandler) Read(mgr *Manager, ctx any) bool {
	if h.readFn != nil {
		return h.readFn(mgr, ctx)
	}
	return true
}

func (h *testHandler) Write(ctx any) bool {
	if h.writeFn != nil {
		return h.writeFn(ctx)
	}
	return true
}

func (h *testHandler) Error(ctx any) {
	h.errored++
	if h.errorFn != nil {
		h.errorFn(ctx)
	}
}

func (h *testHandler) Check(ctx any, now float64) bool {
	if h.checkFn != nil {
		return h.checkFn(ctx, now)
	}
	return true
}

func (h *testHandler) Destroy(ctx any) {
	h.destroyed++
}

// newTestManager builds a Manager around a fakeBackend and fakeClock,
// bypassing NewManager's platform-specific backend construction.
func newTestManager() (*Manager, *fakeBackend, *fakeClock) {
	fb := newFakeBackend()
	fc := &fakeClock{t: 0}
	m := &Manager{
		backend:   fb,
		clock:     fc,
		logger:    stdLogger{},
		nextCheck: fc.Now() + checkInterval,
		events:    make([]event, 0, 16),
	}
	return m, fb, fc
}

// linkFor finds the live link registered for ctx, for tests that need to
// push events against it.
func (m *Manager) linkFor(ctx any) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	for l := m.head; l != nil; l = l.next {
		if l.ctx == ctx {
			return l
		}
	}
	return nil
}
