package metrics2

import (
	"time"
)

const (
	measurementTimer = "timer"
)

// timer implements the Timer interface. The duration is reported into a
// Float64SummaryMetric in seconds when Stop is called.
type timer struct {
	begin time.Time
	m     Float64SummaryMetric
}

// newTimer creates and returns a new started timer. The name is added to the
// tags under the key "name".
func newTimer(c Client, name string, tags ...map[string]string) Timer {
	t := mergeTags(tags...)
	t["name"] = name
	ret := &timer{
		m: c.GetFloat64SummaryMetric(measurementTimer+"_s", t),
	}
	ret.Start()
	return ret
}

// Start implements the Timer interface.
func (t *timer) Start() {
	t.begin = time.Now()
}

// Stop implements the Timer interface.
func (t *timer) Stop() time.Duration {
	elapsed := time.Since(t.begin)
	t.m.Observe(elapsed.Seconds())
	return elapsed
}

var _ Timer = (*timer)(nil)
