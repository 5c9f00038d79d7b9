package metrics

import (
	"sync"
	"time"
)

// Record is a single metric observation handed to every reporter.
type Record struct {
	Name       string
	Group      string
	Policy     Policy
	Value      Value
	Dimensions Dimension
}

// Reporter receives every record produced through the package functions.
// Report is called synchronously on the caller's goroutine and must not block.
type Reporter interface {
	Report(r Record)
}

var (
	_reporters []Reporter
	_lock      sync.RWMutex
)

// SetMetricsReporters replaces the global list of metric reporters.
func SetMetricsReporters(reports []Reporter) {
	_lock.Lock()
	_reporters = append([]Reporter(nil), reports...)
	_lock.Unlock()
}

// AddReporter appends one reporter to the global list.
func AddReporter(r Reporter) {
	_lock.Lock()
	_reporters = append(_reporters, r)
	_lock.Unlock()
}

// RemoveReporter drops r from the global list.
func RemoveReporter(r Reporter) {
	_lock.Lock()
	defer _lock.Unlock()
	for i, x := range _reporters {
		if x == r {
			_reporters = append(_reporters[:i:i], _reporters[i+1:]...)
			return
		}
	}
}

func report(r Record) {
	_lock.RLock()
	reporters := _reporters
	_lock.RUnlock()
	for _, reporter := range reporters {
		reporter.Report(r)
	}
}

// IncrCounterWithGroup increases a counter metric with specified group and value.
func IncrCounterWithGroup(key string, group string, value Value) {
	IncrCounterWithDimGroup(key, group, value, nil)
}

// IncrCounterWithDimGroup increases a counter metric with specified group, value, and dimensions.
func IncrCounterWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	report(Record{Name: key, Group: group, Policy: Policy_Sum, Value: value, Dimensions: dimensions})
}

// UpdateGaugeWithGroup updates a gauge metric with specified group and value.
func UpdateGaugeWithGroup(key string, group string, value Value) {
	UpdateGaugeWithDimGroup(key, group, value, nil)
}

// UpdateGaugeWithDimGroup updates a gauge metric with specified group, value, and dimensions.
func UpdateGaugeWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	report(Record{Name: key, Group: group, Policy: Policy_Set, Value: value, Dimensions: dimensions})
}

// RecordStopwatchWithGroup records the time elapsed since startTime in
// milliseconds and returns it.
func RecordStopwatchWithGroup(key string, group string, startTime time.Time) time.Duration {
	return RecordStopwatchWithDimGroup(key, group, startTime, nil)
}

// RecordStopwatchWithDimGroup is RecordStopwatchWithGroup with dimensions.
func RecordStopwatchWithDimGroup(key string, group string, startTime time.Time, dimensions Dimension) time.Duration {
	d := time.Since(startTime)
	report(Record{
		Name:       key,
		Group:      group,
		Policy:     Policy_Stopwatch,
		Value:      Value(float64(d.Microseconds()) / 1000),
		Dimensions: dimensions,
	})
	return d
}
