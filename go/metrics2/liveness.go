package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness  = "liveness"
	livenessReportPeriod = time.Minute
)

// liveness implements the Liveness interface.
type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

// newLiveness creates a new Liveness metric helper. The name is added to the
// tags under the key "name"; the current value is re-reported once a minute.
func newLiveness(c Client, name string, tags ...map[string]string) Liveness {
	t := mergeTags(tags...)
	t["name"] = name
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    c.GetInt64Metric(measurementLiveness+"_s", t),
	}
	go func() {
		for range time.Tick(livenessReportPeriod) {
			l.update()
		}
	}()
	return l
}

// updateLocked sets the value of the Liveness. Assumes the caller holds mtx.
func (l *liveness) updateLocked() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

// update sets the value of the Liveness.
func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

// Get implements the Liveness interface.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.m.Get()
}

// ManualReset implements the Liveness interface.
func (l *liveness) ManualReset(lastSuccessfulUpdate time.Time) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = lastSuccessfulUpdate
	l.updateLocked()
}

// Reset implements the Liveness interface.
func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.updateLocked()
}

var _ Liveness = (*liveness)(nil)
