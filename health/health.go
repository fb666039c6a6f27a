// Package health runs the background monitor that samples process resources
// and pings each backend at a fixed interval. Alerts are debounced: a check
// has to fail FailureThreshold samples in a row before one alert fires, so a
// single slow ping or GC spike never pages anyone.
package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	log "log/slog"

	"github.com/sharedcode/duet"
)

// Now is a lambda expression that returns the current time. Allows unit tests to inject replayable time.Now.
var Now = time.Now

// Sample is one point-in-time reading of process resources.
type Sample struct {
	At              time.Time `json:"at"`
	MemUsedPercent  float64   `json:"mem_used_percent"`
	HeapAllocBytes  uint64    `json:"heap_alloc_bytes"`
	DiskUsedPercent float64   `json:"disk_used_percent"`
	DiskFreeBytes   uint64    `json:"disk_free_bytes"`
	Goroutines      int       `json:"goroutines"`
}

// BackendStatus is the monitor's view of one backend's liveness.
type BackendStatus struct {
	Name        string        `json:"name"`
	Alive       bool          `json:"alive"`
	RoundTrip   time.Duration `json:"round_trip"`
	LastError   string        `json:"last_error,omitempty"`
	Consecutive int           `json:"consecutive_failures"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// Alert is delivered to the registered callback when a check crosses the
// failure threshold. One alert per failure episode; the check has to recover
// before it can fire again.
type Alert struct {
	Source      string    `json:"source"`
	Message     string    `json:"message"`
	Consecutive int       `json:"consecutive"`
	Sample      Sample    `json:"sample"`
	At          time.Time `json:"at"`
}

// Pinger does a cheap liveness round-trip against one backend.
type Pinger func(ctx context.Context) error

// Options configures the monitor loop.
type Options struct {
	// Interval between samples.
	Interval time.Duration `json:"interval" validate:"gt=0"`
	// FailureThreshold is how many consecutive failing samples a check needs
	// before an alert fires.
	FailureThreshold int `json:"failure_threshold" validate:"min=1"`
	// PingTimeout bounds each backend ping. Defaults to the sample interval.
	PingTimeout time.Duration `json:"ping_timeout"`
	// DiskPath is the mount point sampled for disk usage. Empty skips disk sampling.
	DiskPath string `json:"disk_path"`
	// AlertRule is an optional CEL predicate over the resource sample, e.g.
	// "mem_used_percent > 90.0 || disk_used_percent > 95.0". Empty disables
	// resource alerting; backend pings are always checked.
	AlertRule string `json:"alert_rule"`
}

// Samplers are the probes the monitor reads resources through. Tests swap
// them for canned readings.
type Samplers struct {
	Memory     func() (usedPercent float64, heapAlloc uint64)
	Disk       func(path string) (usedPercent float64, freeBytes uint64, err error)
	Goroutines func() int
}

func defaultSamplers() Samplers {
	return Samplers{
		Memory: func() (float64, uint64) {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapSys == 0 {
				return 0, ms.HeapAlloc
			}
			return float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100, ms.HeapAlloc
		},
		Disk: func(path string) (float64, uint64, error) {
			var st syscall.Statfs_t
			if err := syscall.Statfs(path, &st); err != nil {
				return 0, 0, err
			}
			total := st.Blocks * uint64(st.Bsize)
			free := st.Bavail * uint64(st.Bsize)
			if total == 0 {
				return 0, 0, nil
			}
			return float64(total-free) / float64(total) * 100, free, nil
		},
		Goroutines: runtime.NumGoroutine,
	}
}

// Monitor samples resources and backend liveness on a fixed interval.
type Monitor struct {
	opts     Options
	rule     *Rule
	samplers Samplers
	onAlert  func(Alert)

	mu       sync.Mutex
	pingers  map[string]Pinger
	backends map[string]*BackendStatus
	last     Sample
	// ruleStreak counts consecutive samples the alert rule flagged unhealthy;
	// ruleFired latches until a healthy sample resets the episode.
	ruleStreak int
	ruleFired  bool

	closed   atomic.Bool
	stop     chan struct{}
	loopDone chan struct{}
}

// New creates a monitor. onAlert may be nil; alerts are always logged.
func New(opts Options, onAlert func(Alert)) (*Monitor, error) {
	if opts.Interval <= 0 {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("health monitor needs Interval > 0, got %v", opts.Interval)}
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = opts.Interval
	}
	var rule *Rule
	if opts.AlertRule != "" {
		r, err := NewRule(opts.AlertRule)
		if err != nil {
			return nil, err
		}
		rule = r
	}
	return &Monitor{
		opts:     opts,
		rule:     rule,
		samplers: defaultSamplers(),
		onAlert:  onAlert,
		pingers:  make(map[string]Pinger),
		backends: make(map[string]*BackendStatus),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}, nil
}

// SetSamplers replaces the resource probes. Call before Start.
func (m *Monitor) SetSamplers(s Samplers) {
	if s.Memory != nil {
		m.samplers.Memory = s.Memory
	}
	if s.Disk != nil {
		m.samplers.Disk = s.Disk
	}
	if s.Goroutines != nil {
		m.samplers.Goroutines = s.Goroutines
	}
}

// RegisterPinger adds a backend liveness check under the given name.
func (m *Monitor) RegisterPinger(name string, ping Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingers[name] = ping
	m.backends[name] = &BackendStatus{Name: name, Alive: true}
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	go m.loop()
}

// Close stops the sampling loop.
func (m *Monitor) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stop)
	<-m.loopDone
	return nil
}

func (m *Monitor) loop() {
	defer close(m.loopDone)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.runOnce(context.Background())
		}
	}
}

// runOnce takes one sample, pings every backend, and applies debounce.
func (m *Monitor) runOnce(ctx context.Context) {
	sample := m.takeSample()

	m.mu.Lock()
	m.last = sample
	pingers := make(map[string]Pinger, len(m.pingers))
	for name, p := range m.pingers {
		pingers[name] = p
	}
	m.mu.Unlock()

	m.evaluateRule(sample)

	// Pings fan out so one hung backend never delays detecting another;
	// checkBackend serializes its status writes internally.
	tr := duet.NewTaskRunner(ctx, len(pingers))
	for name, ping := range pingers {
		tr.Go(func() error {
			m.checkBackend(ctx, name, ping, sample)
			return nil
		})
	}
	_ = tr.Wait()
}

func (m *Monitor) takeSample() Sample {
	s := Sample{At: Now()}
	s.MemUsedPercent, s.HeapAllocBytes = m.samplers.Memory()
	s.Goroutines = m.samplers.Goroutines()
	if m.opts.DiskPath != "" {
		used, free, err := m.samplers.Disk(m.opts.DiskPath)
		if err != nil {
			log.Warn("disk sampling failed", "path", m.opts.DiskPath, "error", err)
		} else {
			s.DiskUsedPercent, s.DiskFreeBytes = used, free
		}
	}
	return s
}

func (m *Monitor) evaluateRule(sample Sample) {
	if m.rule == nil {
		return
	}
	unhealthy, err := m.rule.Evaluate(sample)
	if err != nil {
		log.Warn("alert rule evaluation failed", "rule", m.rule.Expression, "error", err)
		return
	}

	m.mu.Lock()
	if !unhealthy {
		m.ruleStreak = 0
		m.ruleFired = false
		m.mu.Unlock()
		return
	}
	m.ruleStreak++
	fire := m.ruleStreak >= m.opts.FailureThreshold && !m.ruleFired
	if fire {
		m.ruleFired = true
	}
	streak := m.ruleStreak
	m.mu.Unlock()

	if fire {
		m.fire(Alert{
			Source:      "resources",
			Message:     fmt.Sprintf("alert rule %q matched %d consecutive samples", m.rule.Expression, streak),
			Consecutive: streak,
			Sample:      sample,
			At:          sample.At,
		})
	}
}

func (m *Monitor) checkBackend(ctx context.Context, name string, ping Pinger, sample Sample) {
	pctx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
	start := Now()
	err := ping(pctx)
	cancel()
	rtt := Now().Sub(start)

	m.mu.Lock()
	st := m.backends[name]
	st.CheckedAt = sample.At
	st.RoundTrip = rtt
	if err == nil {
		st.Alive = true
		st.LastError = ""
		st.Consecutive = 0
		m.mu.Unlock()
		return
	}
	st.LastError = err.Error()
	st.Consecutive++
	wasAlive := st.Alive
	fire := st.Consecutive >= m.opts.FailureThreshold && wasAlive
	if fire {
		st.Alive = false
	}
	streak := st.Consecutive
	m.mu.Unlock()

	if fire {
		m.fire(Alert{
			Source:      name,
			Message:     fmt.Sprintf("backend %s failed %d consecutive pings: %v", name, streak, err),
			Consecutive: streak,
			Sample:      sample,
			At:          sample.At,
		})
	}
}

func (m *Monitor) fire(a Alert) {
	log.Error("health alert", "source", a.Source, "consecutive", a.Consecutive, "message", a.Message)
	if m.onAlert != nil {
		m.onAlert(a)
	}
}

// Snapshot returns the last resource sample and per-backend statuses, for the
// diagnostic API.
func (m *Monitor) Snapshot() (Sample, []BackendStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]BackendStatus, 0, len(m.backends))
	for _, st := range m.backends {
		statuses = append(statuses, *st)
	}
	return m.last, statuses
}

// Healthy reports whether every backend is alive. Backends that have never
// been pinged count as alive.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.backends {
		if !st.Alive {
			return false
		}
	}
	return true
}
