// Package metrics2 provides an interface for reporting metrics, backed by
// Prometheus.
package metrics2

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.minimaps.dev/infra/go/mmlog"
)

// Int64Metric is a metric which reports an int64 value.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64

	// Update sets the current value of the metric.
	Update(v int64)

	// Delete removes the metric from its clients.
	Delete() error
}

// Float64Metric is a metric which reports a float64 value.
type Float64Metric interface {
	// Get returns the current value of the metric.
	Get() float64

	// Update sets the current value of the metric.
	Update(v float64)

	// Delete removes the metric from its clients.
	Delete() error
}

// Float64SummaryMetric is a metric which reports a summary of many float64 values.
type Float64SummaryMetric interface {
	// Observe adds a single observation to the summary.
	Observe(v float64)
}

// Counter is a metric which reports a running total.
type Counter interface {
	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Dec decrements the counter by the given quantity.
	Dec(i int64)

	// Get returns the current value of the counter.
	Get() int64

	// Reset sets the counter to zero.
	Reset()
}

// Liveness keeps a time-since-last-successful-update metric.
//
// The unit of the metric is in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert set up that will fire if the time-since-last-successful-update metric
// gets too large.
type Liveness interface {
	// Get returns the current value of the Liveness.
	Get() int64

	// ManualReset sets the last-successful-update time of the Liveness to a
	// specific value. Useful for tracking processes whose lifetimes are
	// outside of that of the current process, but should not be needed in
	// most cases.
	ManualReset(lastSuccessfulUpdate time.Time)

	// Reset should be called when some work has been successfully completed.
	Reset()
}

// Timer is a struct used for measuring elapsed time. Unlike the other
// metrics helpers, Timer does not continuously report data; instead, it
// reports a single data point when Stop() is called.
type Timer interface {
	// Start starts or resets the timer.
	Start()

	// Stop stops the timer and reports the elapsed time.
	Stop() time.Duration
}

// Client represents a set of metrics.
type Client interface {
	// GetCounter creates or retrieves a Counter with the given name and tag
	// set and returns it.
	GetCounter(name string, tags ...map[string]string) Counter

	// GetInt64Metric returns an Int64Metric instance.
	GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric

	// GetFloat64Metric returns a Float64Metric instance.
	GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric

	// GetFloat64SummaryMetric returns a Float64SummaryMetric instance.
	GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric

	// NewLiveness creates a new Liveness metric helper.
	NewLiveness(name string, tags ...map[string]string) Liveness

	// NewTimer creates and returns a new started timer.
	NewTimer(name string, tags ...map[string]string) Timer

	// Flush pushes any queued data immediately. Long running apps shouldn't
	// worry about this as Client will auto-push.
	Flush() error
}

var defaultClient Client = newPromClient()

// GetDefaultClient returns the default Client.
func GetDefaultClient() Client {
	return defaultClient
}

// GetCounter creates or retrieves a Counter with the given name and tag set
// using the default client and returns it.
func GetCounter(name string, tags ...map[string]string) Counter {
	return defaultClient.GetCounter(name, tags...)
}

// GetInt64Metric returns an Int64Metric from the default Client.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(measurement, tags...)
}

// GetFloat64Metric returns a Float64Metric from the default Client.
func GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	return defaultClient.GetFloat64Metric(measurement, tags...)
}

// GetFloat64SummaryMetric returns a Float64SummaryMetric from the default Client.
func GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric {
	return defaultClient.GetFloat64SummaryMetric(measurement, tags...)
}

// NewLiveness creates a new Liveness metric helper using the default client.
func NewLiveness(name string, tags ...map[string]string) Liveness {
	return defaultClient.NewLiveness(name, tags...)
}

// NewTimer creates and returns a new started timer using the default client.
func NewTimer(name string, tags ...map[string]string) Timer {
	return defaultClient.NewTimer(name, tags...)
}

// Flush pushes any queued data from the default client immediately.
func Flush() error {
	return defaultClient.Flush()
}

// InitPrometheus registers the /metrics endpoint on the default mux and
// serves it on the given port, e.g. ":20000". The server runs on its own
// goroutine.
func InitPrometheus(port string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		mmlog.Fatal(http.ListenAndServe(port, nil))
	}()
}
