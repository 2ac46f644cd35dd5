package metrics2

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	assert.Equal(t, "a_b_c", clean("a.b-c"))
	assert.Equal(t, "scan_state", clean("scan state"))
	assert.Equal(t, "already_clean_name:1", clean("already_clean_name:1"))
}

func TestGetCounter_SameNameAndTags_SharesValue(t *testing.T) {
	c1 := GetCounter("test_shared_counter", map[string]string{"product": "wow"})
	c1.Reset()
	c1.Inc(2)
	c2 := GetCounter("test_shared_counter", map[string]string{"product": "wow"})
	assert.Equal(t, int64(2), c2.Get())
	c2.Dec(1)
	assert.Equal(t, int64(1), c1.Get())
}

func TestGetCounter_DifferentTags_DistinctValues(t *testing.T) {
	a := GetCounter("test_counter_by_tag", map[string]string{"region": "us"})
	b := GetCounter("test_counter_by_tag", map[string]string{"region": "eu"})
	a.Reset()
	b.Reset()
	a.Inc(5)
	assert.Equal(t, int64(5), a.Get())
	assert.Equal(t, int64(0), b.Get())
}

func TestGetInt64Metric_UpdateAndGet(t *testing.T) {
	m := GetInt64Metric("test_int64_metric", map[string]string{"kind": "x"})
	m.Update(42)
	assert.Equal(t, int64(42), m.Get())
}

func TestNewTimer_StopReturnsElapsed(t *testing.T) {
	timer := NewTimer("test_timer")
	time.Sleep(10 * time.Millisecond)
	elapsed := timer.Stop()
	require.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
}

func TestNewLiveness_ResetZeroes(t *testing.T) {
	l := NewLiveness("test_liveness")
	l.ManualReset(time.Now().Add(-2 * time.Hour))
	assert.GreaterOrEqual(t, l.Get(), int64(7000))
	l.Reset()
	assert.LessOrEqual(t, l.Get(), int64(1))
}
