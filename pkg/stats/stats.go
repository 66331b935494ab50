// Package stats samples the resource usage of runner processes.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	psprocess "github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the default time between two samples.
const DefaultInterval = 500 * time.Millisecond

// Stats contains a snapshot of process resource metrics.
type Stats struct {
	Memory       uint64 // Resident set size (bytes)
	CPUUsage     uint64 // User plus system CPU time (microseconds, cumulative)
	DiskRead     uint64 // Disk read (bytes, cumulative)
	DiskWrite    uint64 // Disk write (bytes, cumulative)
	DiskReadOps  uint64 // Disk read operations (cumulative)
	DiskWriteOps uint64 // Disk write operations (cumulative)
}

// Reader reads resource metrics of a single process.
type Reader interface {
	// ReadStats returns current resource metrics for the process.
	ReadStats(ctx context.Context) (*Stats, error)
	// PID returns the process being read.
	PID() int32
}

// NewReader creates a reader for the process with the given pid.
func NewReader(ctx context.Context, log logrus.FieldLogger, pid int32) (Reader, error) {
	proc, err := psprocess.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", pid, err)
	}

	return &processReader{
		log:  log.WithField("pid", pid),
		proc: proc,
	}, nil
}

type processReader struct {
	log  logrus.FieldLogger
	proc *psprocess.Process
}

// Ensure interface compliance.
var _ Reader = (*processReader)(nil)

func (r *processReader) PID() int32 {
	return r.proc.Pid
}

// ReadStats fails only when memory cannot be read, which usually means the
// process has exited. CPU and I/O counters are best effort.
func (r *processReader) ReadStats(ctx context.Context) (*Stats, error) {
	mem, err := r.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}

	stats := &Stats{Memory: mem.RSS}

	if times, err := r.proc.TimesWithContext(ctx); err != nil {
		r.log.WithError(err).Debug("Failed to read cpu times")
	} else {
		stats.CPUUsage = uint64((times.User + times.System) * float64(time.Second/time.Microsecond))
	}

	if counters, err := r.proc.IOCountersWithContext(ctx); err != nil {
		r.log.WithError(err).Debug("Failed to read io counters")
	} else {
		stats.DiskRead = counters.ReadBytes
		stats.DiskWrite = counters.WriteBytes
		stats.DiskReadOps = counters.ReadCount
		stats.DiskWriteOps = counters.WriteCount
	}

	return stats, nil
}

// Usage summarizes the samples taken over a process lifetime.
type Usage struct {
	Samples    int
	PeakMemory uint64
	// Last holds the cumulative counters of the latest sample.
	Last *Stats
}

// ErrNoSamples is returned by Stop when no sample could be taken.
var ErrNoSamples = errors.New("no samples taken")

// Sampler polls a Reader until stopped.
type Sampler struct {
	log      logrus.FieldLogger
	reader   Reader
	interval time.Duration

	mu     sync.Mutex
	usage  Usage
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a sampler. A non-positive interval uses DefaultInterval.
func NewSampler(log logrus.FieldLogger, reader Reader, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Sampler{
		log:      log.WithField("component", "stats"),
		reader:   reader,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start takes a first sample and keeps sampling in the background.
func (s *Sampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.sample(ctx)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample(ctx)
			}
		}
	}()
}

// Stop ends sampling and returns the collected usage.
func (s *Sampler) Stop() (*Usage, error) {
	if s.cancel == nil {
		return nil, ErrNoSamples
	}

	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.usage.Samples == 0 {
		return nil, ErrNoSamples
	}

	usage := s.usage

	return &usage, nil
}

func (s *Sampler) sample(ctx context.Context) {
	st, err := s.reader.ReadStats(ctx)
	if err != nil {
		s.log.WithError(err).WithField("pid", s.reader.PID()).Trace("Sample skipped")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage.Last = st
	s.usage.Samples++

	if st.Memory > s.usage.PeakMemory {
		s.usage.PeakMemory = st.Memory
	}
}
