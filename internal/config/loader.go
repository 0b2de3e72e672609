package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
// The initial config must validate.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// A reload that fails to parse or validate keeps the previous config.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload rejected, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	slog.Info("config reloaded", "path", l.path, "version", cfg.Version)
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a fully defaulted config with no sinks, patterns or dependencies.
func Default() *Config {
	cfg := &Config{Version: "1"}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued tunable.
func ApplyDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.Workers == 0 {
		e.Workers = 4
	}
	if e.QueueDepth == 0 {
		e.QueueDepth = 10000
	}
	if e.CorrelationQueueDepth == 0 {
		e.CorrelationQueueDepth = 10000
	}
	if e.SweepInterval == 0 {
		e.SweepInterval = time.Second
	}

	a := &cfg.Aggregator
	if len(a.Windows) == 0 {
		a.Windows = []time.Duration{time.Minute, 5 * time.Minute, time.Hour}
	}
	if a.GracePeriod == 0 {
		a.GracePeriod = 30 * time.Second
	}
	if a.ClosedSeriesCapacity == 0 {
		a.ClosedSeriesCapacity = 100000
	}
	if a.SketchRelativeAccuracy == 0 {
		a.SketchRelativeAccuracy = 0.01
	}
	if a.SketchMaxBins == 0 {
		a.SketchMaxBins = 2048
	}

	n := &cfg.Normalizer
	if len(n.SupportedMajors) == 0 {
		n.SupportedMajors = []int{1}
	}
	if n.MaxFutureSkew == 0 {
		n.MaxFutureSkew = 5 * time.Minute
	}
	if n.MaxRetainedWindow == 0 {
		largest := time.Duration(0)
		for _, w := range a.Windows {
			if w > largest {
				largest = w
			}
		}
		n.MaxRetainedWindow = largest + a.GracePeriod
	}
	if n.ReferenceCurrency == "" {
		n.ReferenceCurrency = "USD"
	}

	s := &cfg.Scorer
	if s.EmissionThreshold == 0 {
		s.EmissionThreshold = 0.5
	}
	if s.MinSamples == 0 {
		s.MinSamples = 5
	}
	if s.HistorySize == 0 {
		s.HistorySize = 100
	}
	if s.BaselineCapacity == 0 {
		s.BaselineCapacity = 100000
	}
	if s.EWMAAlpha == 0 {
		s.EWMAAlpha = 0.1
	}
	if s.DefaultK == 0 {
		s.DefaultK = 3
	}
	if s.IQRMultiplier == 0 {
		s.IQRMultiplier = 1.5
	}
	if s.RateOfChangeMultiplier == 0 {
		s.RateOfChangeMultiplier = 3
	}
	if s.Severity == (SeverityThresholds{}) {
		s.Severity = SeverityThresholds{Medium: 0.6, High: 0.7, Critical: 0.8}
	}

	c := &cfg.Correlator
	if c.DefaultWindow == 0 {
		c.DefaultWindow = 60 * time.Second
	}
	if c.EntityProximity == 0 {
		c.EntityProximity = 10 * time.Second
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.Retention == 0 {
		c.Retention = 10 * time.Minute
	}
	if c.MaxPending == 0 {
		c.MaxPending = 10000
	}
	if c.MaxActive == 0 {
		c.MaxActive = 10000
	}

	em := &cfg.Emitter
	if em.QueueSize == 0 {
		em.QueueSize = 4096
	}
	if em.WriteTimeout == 0 {
		em.WriteTimeout = 5 * time.Second
	}
	if em.MaxRetryTime == 0 {
		em.MaxRetryTime = 30 * time.Second
	}
	if em.InitialBackoff == 0 {
		em.InitialBackoff = 100 * time.Millisecond
	}
	for i := range cfg.Sinks {
		if cfg.Sinks[i].Format == "" {
			cfg.Sinks[i].Format = "json"
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
}
