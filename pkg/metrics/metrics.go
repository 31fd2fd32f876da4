package metrics

import (
	"errors"
	"path"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

var (
	mu       sync.RWMutex
	storage  tstorage.Storage
	counters = map[string]int64{}
)

// InitMetrics opens the metrics store under workdir/data/metrics. An empty
// workdir keeps the series in memory only.
func InitMetrics(workdir string) error {
	opts := []tstorage.Option{
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7 * 24 * time.Hour),
	}
	if workdir != "" {
		opts = append(opts, tstorage.WithDataPath(path.Join(workdir, "data", "metrics")))
	}
	s, err := tstorage.NewStorage(opts...)
	if err != nil {
		return err
	}
	mu.Lock()
	storage = s
	counters = map[string]int64{}
	mu.Unlock()
	return nil
}

func insert(name string, value int64) {
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{{
		Metric:    name,
		DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: float64(value)},
	}})
}

// SetGauge records the current value of a gauge.
func SetGauge(name string, value int64) {
	mu.Lock()
	defer mu.Unlock()
	counters[name] = value
	insert(name, value)
}

// Incr adds delta to a counter and records the new total.
func Incr(name string, delta int64) {
	mu.Lock()
	defer mu.Unlock()
	counters[name] += delta
	insert(name, counters[name])
}

// Get returns the last value recorded for name.
func Get(name string) int64 {
	mu.RLock()
	defer mu.RUnlock()
	return counters[name]
}

// Query returns the points recorded for name since the given time.
func Query(name string, since time.Time) ([]*tstorage.DataPoint, error) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return nil, nil
	}
	points, err := storage.Select(name, nil, since.Unix(), time.Now().Unix()+1)
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return nil, nil
	}
	return points, err
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
