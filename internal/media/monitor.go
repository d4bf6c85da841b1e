package media

import (
	"sync"
	"time"

	"github.com/ent0n29/agentbridge/internal/audio"
)

const (
	DefaultMonitorInterval  = 50 * time.Millisecond
	DefaultMonitorReference = 128.0
)

type MonitorConfig struct {
	Interval  time.Duration
	Analyser  audio.AnalyserConfig
	Reference float64
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultMonitorInterval
	}
	if c.Reference <= 0 {
		c.Reference = DefaultMonitorReference
	}
	return c
}

// Monitor periodically reports a normalized loudness for one track. Once the
// track is no longer live it reports 0 a final time, releases its analyser
// and stops.
type Monitor struct {
	engine   *Engine
	track    Track
	analyser *audio.Analyser
	remove   func()
	onVolume func(float64)

	mu     sync.Mutex
	window []int16

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// StartMonitor attaches a monitor to track. onVolume is called from the
// monitor goroutine with values in [0, 1].
func StartMonitor(engine *Engine, track Track, cfg MonitorConfig, onVolume func(float64)) (*Monitor, error) {
	cfg = cfg.withDefaults()
	analyser, err := engine.NewAnalyser(cfg.Analyser)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		engine:   engine,
		track:    track,
		analyser: analyser,
		onVolume: onVolume,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.remove = track.AddSink(m.capture)
	go m.run(cfg)
	return m, nil
}

func (m *Monitor) capture(frame audio.Frame) {
	m.mu.Lock()
	m.window = append(m.window, frame.Samples...)
	m.mu.Unlock()
}

func (m *Monitor) run(cfg MonitorConfig) {
	defer close(m.done)
	defer m.release()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	bins := make([]byte, m.analyser.FrequencyBinCount())
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		if m.track.ReadyState() != ReadyStateLive {
			m.emit(0)
			return
		}
		m.mu.Lock()
		pending := m.window
		m.window = nil
		m.mu.Unlock()
		m.analyser.Write(pending)
		n := m.analyser.ByteFrequencyData(bins)
		m.emit(Level(bins[:n], cfg.Reference))
	}
}

func (m *Monitor) emit(v float64) {
	if m.onVolume != nil {
		m.onVolume(v)
	}
}

func (m *Monitor) release() {
	m.remove()
	m.engine.ReleaseAnalyser(m.analyser)
}

// Done is closed once the monitor goroutine has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Stop halts the monitor without a final report. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Level maps analyser bins to [0, 1]: the mean bin value over reference,
// capped at 1.
func Level(bins []byte, reference float64) float64 {
	if len(bins) == 0 || reference <= 0 {
		return 0
	}
	var sum float64
	for _, b := range bins {
		sum += float64(b)
	}
	v := sum / float64(len(bins)) / reference
	if v > 1 {
		return 1
	}
	return v
}
