package ready

import "time"

// waitCeiling is the fixed budget every backend wait call honors. It is
// both the cooperative-yield bound for the I/O thread and the minimum
// resolution of the liveness sweep (which still only fires every
// checkInterval).
const waitCeiling = 10 * time.Millisecond

// checkInterval is the cadence of the periodic liveness sweep.
const checkInterval = 0.5 // seconds, matches the C original's CHECK_FREQ

// eventKind is the set of bits dispatch cares about for one signaled fd.
// Read and Write are not mutually exclusive with each other; Err is
// mutually exclusive with neither — a single event may carry read, write,
// and error bits together, and dispatch checks read and write before err.
type eventKind uint8

const (
	evRead eventKind = 1 << iota
	evWrite
	evErr
)

// event is one backend-reported readiness notification, resolved back to
// the link that registered the fd.
type event struct {
	link *link
	kind eventKind
}

// backend is the narrow OS-readiness primitive the manager drives. Exactly
// one implementation is compiled in per platform, selected by build tag:
// epoll_linux.go on Linux, poll_other.go everywhere else. Both present
// identical external behavior per spec.
type backend interface {
	// add registers fd with the given initial interest and its owning
	// link. The link must already carry the interest it was added with.
	add(l *link, interest Interest) error

	// applyInterest is called once per tick for every live link, with the
	// freshly queried Handler.IO result. Epoll only issues EPOLL_CTL_MOD
	// when newInterest differs from the link's cached mask; None installs
	// an empty mask, so the fd raises no read/write events. Poll simply
	// records newInterest on the link; the actual slot-array population
	// happens in refreshDone, which omits None links.
	applyInterest(l *link, newInterest Interest) error

	// refreshDone is called once per tick after every live link has gone
	// through applyInterest. Poll uses it to rebuild its slot array from
	// the snapshot; epoll has nothing left to do.
	refreshDone(snapshot *link)

	// remove drops the fd from the backend's interest set. Failure is
	// logged by the caller but never fatal.
	remove(l *link) error

	// wait blocks up to waitCeiling for readiness, appending resolved
	// events to dst and returning the (possibly grown) slice. A
	// signal-interrupted wait returns (dst, nil) — an empty, successful
	// tick.
	wait(dst []event) ([]event, error)

	// close releases backend resources (the epoll fd, or the poll slot
	// array).
	close() error
}
