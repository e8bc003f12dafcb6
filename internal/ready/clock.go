package ready

import "time"

// Clock is the narrow time-source interface the readiness core consumes.
// It exists so tests can fake the passage of time for the 0.5s liveness
// sweep without sleeping. now() returns monotonic seconds as a float, the
// same unit the C original (dtime()) used.
type Clock interface {
	Now() float64
}

// systemClock is the production Clock, backed by time.Now's monotonic
// reading.
type systemClock struct{ start time.Time }

func newSystemClock() systemClock { return systemClock{start: time.Now()} }

func (c systemClock) Now() float64 {
	return time.Since(c.start).Seconds()
}
