package ready

import (
	"sync"
	"testing"
)

func TestRegisterIsVisibleNextTick(t *testing.T) {
	m, _, _ := newTestManager()

	ctx := "conn-1"
	if err := m.Register(1, &testHandler{}, ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := m.Count(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	seen := 0
	m.Iterate(func(ctx any) { seen++ })
	if seen != 1 {
		t.Fatalf("iterate saw %d links, want 1", seen)
	}
}

func TestConcurrentRegisterVisibleNextTick(t *testing.T) {
	m, _, _ := newTestManager()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		fd := i + 1
		go func() {
			defer wg.Done()
			_ = m.Register(fd, &testHandler{}, fd)
		}()
	}
	wg.Wait()

	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := m.Count(); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
}

func TestReadFalseUnregistersAndDestroys(t *testing.T) {
	m, fb, _ := newTestManager()
	h := &testHandler{readFn: func(*Manager, any) bool { return false }}

	if err := m.Register(5, h, "c"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Tick(); err != nil { // interest refresh pass, no events yet
		t.Fatalf("tick: %v", err)
	}

	l := m.linkFor("c")
	fb.push(l, evRead)

	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := m.Count(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	if h.destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", h.destroyed)
	}
}

func TestErrorBitAlwaysTearsDownEvenAfterSuccessfulRead(t *testing.T) {
	m, fb, _ := newTestManager()
	readCalled := false
	h := &testHandler{
		readFn: func(*Manager, any) bool {
			readCalled = true
			return true
		},
	}
	_ = m.Register(6, h, "c")
	_ = m.Tick()

	l := m.linkFor("c")
	fb.push(l, evRead|evErr)

	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if !readCalled {
		t.Fatal("expected read to be called before error teardown")
	}
	if h.errored != 1 {
		t.Fatalf("errored = %d, want 1", h.errored)
	}
	if h.destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", h.destroyed)
	}
	if got := m.Count(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}

func TestWriteFalseAfterReadTrueSkipsError(t *testing.T) {
	m, fb, _ := newTestManager()
	h := &testHandler{
		ioFn:    func(any) Interest { return ReadWrite },
		readFn:  func(*Manager, any) bool { return true },
		writeFn: func(any) bool { return false },
	}
	_ = m.Register(7, h, "c")
	_ = m.Tick()

	l := m.linkFor("c")
	fb.push(l, evRead|evWrite)

	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if h.errored != 0 {
		t.Fatalf("errored = %d, want 0", h.errored)
	}
	if h.destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", h.destroyed)
	}
}

func TestInterestNoneNeverDispatchesReadOrWrite(t *testing.T) {
	m, fb, _ := newTestManager()
	called := false
	h := &testHandler{
		ioFn:   func(any) Interest { return None },
		readFn: func(*Manager, any) bool { called = true; return true },
	}
	_ = m.Register(8, h, "c")
	_ = m.Tick() // installs interest None

	l := m.linkFor("c")
	fb.push(l, evRead) // fakeBackend drops this: fd isn't registered for Read

	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if called {
		t.Fatal("read should never be invoked while IO reports None")
	}
}

func TestPeriodicSweepRespectsCadence(t *testing.T) {
	m, _, fc := newTestManager()
	checks := 0
	h := &testHandler{checkFn: func(any, float64) bool { checks++; return true }}
	_ = m.Register(9, h, "c")

	fc.t = 0.1
	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if checks != 0 {
		t.Fatalf("checks = %d, want 0 before cadence elapses", checks)
	}

	fc.t = 0.6
	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if checks != 1 {
		t.Fatalf("checks = %d, want 1 once cadence elapses", checks)
	}

	fc.t = 0.9
	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if checks != 1 {
		t.Fatalf("checks = %d, want 1 (next sweep not due yet)", checks)
	}
}

func TestCheckFalseUnregisters(t *testing.T) {
	m, _, fc := newTestManager()
	h := &testHandler{checkFn: func(any, float64) bool { return false }}
	_ = m.Register(10, h, "c")

	fc.t = checkInterval + 0.01
	if err := m.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := m.Count(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	if h.destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", h.destroyed)
	}
}

func TestCountTracksRegisterAndUnregister(t *testing.T) {
	m, fb, _ := newTestManager()
	h1 := &testHandler{}
	h2 := &testHandler{readFn: func(*Manager, any) bool { return false }}

	_ = m.Register(11, h1, "a")
	_ = m.Register(12, h2, "b")
	if got := m.Count(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	_ = m.Tick()
	l := m.linkFor("b")
	fb.push(l, evRead)
	_ = m.Tick()

	if got := m.Count(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestCloseDestroysSurvivingLinks(t *testing.T) {
	m, _, _ := newTestManager()
	h1 := &testHandler{}
	h2 := &testHandler{}
	_ = m.Register(13, h1, "a")
	_ = m.Register(14, h2, "b")

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h1.destroyed != 1 || h2.destroyed != 1 {
		t.Fatalf("expected both links destroyed exactly once, got %d and %d", h1.destroyed, h2.destroyed)
	}
	if got := m.Count(); got != 0 {
		t.Fatalf("count after close = %d, want 0", got)
	}
}

// TestSweepSurvivesHeadRemovedByDispatchInSameTick reproduces the scenario
// where a read event tears down the snapshot's head link and the periodic
// sweep comes due in that same Tick call. The sweep must re-snapshot rather
// than continue walking the now-destroyed head's stale .next: otherwise it
// both re-invokes Check/Destroy on the torn-down link and stops short of
// every Link registered behind it.
func TestSweepSurvivesHeadRemovedByDispatchInSameTick(t *testing.T) {
	m, fb, fc := newTestManager()

	aChecks := 0
	hA := &testHandler{checkFn: func(any, float64) bool { aChecks++; return true }}
	hB := &testHandler{readFn: func(*Manager, any) bool { return false }}

	// Register A first, then B, so B becomes the snapshot head (Register
	// prepends) and is the link dispatch will tear down this tick.
	if err := m.Register(20, hA, "a"); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register(21, hB, "b"); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := m.Tick(); err != nil { // interest refresh pass
		t.Fatalf("tick1: %v", err)
	}

	lB := m.linkFor("b")
	fb.push(lB, evRead)
	fc.t = checkInterval // sweep is due in the same tick as B's teardown

	if err := m.Tick(); err != nil {
		t.Fatalf("tick2: %v", err)
	}

	if hB.destroyed != 1 {
		t.Fatalf("b destroyed = %d, want exactly 1 (no double-Destroy)", hB.destroyed)
	}
	if aChecks != 1 {
		t.Fatalf("a checks = %d, want 1 (sweep must still reach links behind the removed head)", aChecks)
	}
	if got := m.Count(); got != 1 {
		t.Fatalf("count = %d, want 1 (only a survives)", got)
	}
}

func TestAcceptAndEchoScenario(t *testing.T) {
	m, fb, _ := newTestManager()

	stage := 0
	h := &testHandler{
		ioFn: func(any) Interest {
			switch stage {
			case 0:
				return Read
			case 1:
				return Write
			default:
				return None
			}
		},
		readFn: func(*Manager, any) bool {
			stage = 1
			return true
		},
		writeFn: func(any) bool {
			stage = 2
			return true
		},
	}
	_ = m.Register(15, h, "c")

	// Tick 1: interest refresh installs Read, nothing queued yet.
	if err := m.Tick(); err != nil {
		t.Fatalf("tick1: %v", err)
	}
	l := m.linkFor("c")
	fb.push(l, evRead)
	if err := m.Tick(); err != nil { // read happens on dispatch, interest becomes Write next refresh
		t.Fatalf("tick2: %v", err)
	}

	fb.push(l, evWrite)
	if err := m.Tick(); err != nil { // refresh installs Write, dispatch runs write
		t.Fatalf("tick3: %v", err)
	}

	if err := m.Tick(); err != nil { // refresh installs None, no more events expected
		t.Fatalf("tick4: %v", err)
	}

	if got := m.Count(); got != 1 {
		t.Fatalf("count = %d, want 1 (connection never closed)", got)
	}
}
