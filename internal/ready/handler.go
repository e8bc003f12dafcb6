// Package ready implements the readiness core of the Whisper WebSocket
// server: a single-threaded, level-triggered event loop that multiplexes
// many non-blocking file descriptors and dispatches readable, writable, and
// error events to per-connection handlers.
package ready

// Interest describes what a Handler currently wants to be notified about.
// It is queried once per tick, before the backend wait.
type Interest int

const (
	// None means the handler has nothing to read or write right now; the
	// Link is presumed closing and will be reaped on its next event or
	// liveness check.
	None Interest = iota
	// Read means the handler wants to be told when the fd is readable.
	Read
	// Write means the handler wants to be told when the fd is writable.
	Write
	// ReadWrite means the handler wants both notifications.
	ReadWrite
)

// Handler is the capability set a registered connection exposes to the
// readiness core. Every method must be implemented; embed NopHandler to
// get no-op defaults for the ones a connection does not care about. A Link
// registered with a nil Handler reports interest None and receives no
// dispatch, liveness check, or Destroy call. The core
// never blocks waiting on a Handler method, and never calls one from more
// than one goroutine concurrently — all calls happen on the single I/O
// thread that drives Manager.Tick.
type Handler interface {
	// IO reports the connection's current interest. Called once per tick
	// for every live Link.
	IO(ctx any) Interest

	// Read is called when the fd is readable. It must consume whatever is
	// available without blocking. Returning false means "close me"; the
	// Link is unregistered and Destroy is invoked.
	Read(mgr *Manager, ctx any) bool

	// Write is called when the fd is writable. It must drain whatever
	// outbound buffer it owns without blocking. Returning false means
	// "close me".
	Write(ctx any) bool

	// Error is called when the backend reports a hangup or error
	// condition. It is unconditionally followed by teardown, so it has
	// no return value.
	Error(ctx any)

	// Check is the periodic liveness poll, invoked at most twice a
	// second with the current monotonic time in seconds. Returning false
	// means "close me".
	Check(ctx any, now float64) bool

	// Destroy releases the context. It is called exactly once, for
	// every registered Link, immediately before the Link's memory is
	// released — whether teardown was caused by a callback returning
	// false, a backend error event, or Manager.Close walking the
	// remaining list at shutdown.
	Destroy(ctx any)
}

// NopHandler implements Handler with every method a no-op that keeps the
// connection alive forever (IO reports None, Read/Write/Check all report
// true). Embed it to implement only the callbacks a connection type cares
// about.
type NopHandler struct{}

func (NopHandler) IO(ctx any) Interest         { return None }
func (NopHandler) Read(*Manager, any) bool     { return true }
func (NopHandler) Write(any) bool              { return true }
func (NopHandler) Error(any)                   {}
func (NopHandler) Check(any, float64) bool     { return true }
func (NopHandler) Destroy(any)                 {}
