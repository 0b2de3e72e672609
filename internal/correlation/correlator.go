package correlation

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/telcorr/internal/config"
	"github.com/gyaneshwarpardhi/telcorr/internal/metrics"
)

// Options configure windows and lifecycle timing.
type Options struct {
	DefaultWindow   time.Duration
	WindowsPerType  map[Type]time.Duration
	EntityProximity time.Duration
	Grace           time.Duration
	Retention       time.Duration
	MaxPending      int
	MaxActive       int
	// DetectionLag is the longest delay between an event and the anomaly
	// scored from its window reaching the correlator. Pending observations
	// wait this long beyond the widest window.
	DetectionLag time.Duration
}

// OptionsFrom maps the correlator config section.
func OptionsFrom(cfg config.CorrelatorConf) Options {
	o := Options{
		DefaultWindow:   cfg.DefaultWindow,
		WindowsPerType:  make(map[Type]time.Duration, len(cfg.WindowsPerType)),
		EntityProximity: cfg.EntityProximity,
		Grace:           cfg.GracePeriod,
		Retention:       cfg.Retention,
		MaxPending:      cfg.MaxPending,
		MaxActive:       cfg.MaxActive,
	}
	for t, w := range cfg.WindowsPerType {
		o.WindowsPerType[Type(t)] = w
	}
	return o
}

func (o *Options) window(typ, base Type) time.Duration {
	if w, ok := o.WindowsPerType[typ]; ok {
		return w
	}
	if w, ok := o.WindowsPerType[base]; ok {
		return w
	}
	return o.DefaultWindow
}

// maxWindow is the longest window any type may use.
func (o *Options) maxWindow() time.Duration {
	w := o.DefaultWindow
	for _, v := range o.WindowsPerType {
		w = max(w, v)
	}
	return w
}

// Correlator groups observations into correlations. It is not safe for
// concurrent use; the engine gives it a single owning goroutine.
type Correlator struct {
	opts     Options
	registry Registry
	patterns []Pattern

	active  []*Correlation // anchor order
	pending []Observation  // time order
	seen    map[string]struct{}
}

// New returns an empty correlator. reg may be nil.
func New(opts Options, reg Registry, patterns []Pattern) *Correlator {
	return &Correlator{
		opts:     opts,
		registry: reg,
		patterns: patterns,
		seen:     make(map[string]struct{}),
	}
}

// SetOptions replaces the window settings. Existing correlations keep their size.
func (c *Correlator) SetOptions(opts Options) { c.opts = opts }

// SetRegistry replaces the dependency registry.
func (c *Correlator) SetRegistry(reg Registry) { c.registry = reg }

// SetPatterns replaces the pattern signatures.
func (c *Correlator) SetPatterns(p []Pattern) { c.patterns = p }

// Registry returns the active dependency registry.
func (c *Correlator) Registry() Registry { return c.registry }

func (c *Correlator) linker() linker {
	return linker{proximity: c.opts.EntityProximity, registry: c.registry}
}

// Observe offers one observation. It joins the earliest-anchored live
// correlation that accepts it, opens a new correlation with linked pending
// observations, or waits in the pending set. Duplicate ids are ignored.
func (c *Correlator) Observe(obs Observation, now time.Time) []Update {
	if obs.ID == "" {
		return nil
	}
	if _, dup := c.seen[obs.ID]; dup {
		return nil
	}
	c.seen[obs.ID] = struct{}{}
	obs.ObservedAt = now

	l := c.linker()
	for _, corr := range c.active {
		if corr.State == StateClosed || !c.accepts(l, corr, obs) {
			continue
		}
		c.join(corr, obs, now)
		return []Update{{Kind: UpdateMemberAdded, Correlation: corr.Copy()}}
	}

	if corr := c.open(l, obs, now); corr != nil {
		var updates []Update
		if len(c.active) >= c.opts.MaxActive {
			updates = append(updates, c.evictStalest())
		}
		c.insertActive(corr)
		metrics.CorrelationsOpened.WithLabelValues(string(corr.Type)).Inc()
		return append(updates, Update{Kind: UpdateOpened, Correlation: corr.Copy()})
	}

	c.addPending(obs)
	return nil
}

// accepts reports whether obs links to a member and keeps every member
// within the window of the (possibly new) anchor.
func (c *Correlator) accepts(l linker, corr *Correlation, obs Observation) bool {
	first, last := corr.Members[0].At, corr.Members[len(corr.Members)-1].At
	if obs.At.Before(first) {
		first = obs.At
	}
	if obs.At.After(last) {
		last = obs.At
	}
	if last.Sub(first) > corr.Window.Size {
		return false
	}
	for _, m := range corr.Members {
		if l.linked(m, obs) {
			return true
		}
	}
	return false
}

func (c *Correlator) join(corr *Correlation, obs Observation, now time.Time) {
	i := sort.Search(len(corr.Members), func(i int) bool { return before(obs, corr.Members[i]) })
	corr.Members = append(corr.Members, Observation{})
	copy(corr.Members[i+1:], corr.Members[i:])
	corr.Members[i] = obs

	corr.State = StateOpen
	corr.UpdatedAt = now
	c.rescore(corr)
	if i == 0 {
		c.sortActive()
	}
}

// open starts a correlation from obs and the pending observations linked to
// it that fit one window. It returns nil when nothing links.
func (c *Correlator) open(l linker, obs Observation, now time.Time) *Correlation {
	var cands []int
	for i, p := range c.pending {
		if l.linked(p, obs) && absDur(p.At.Sub(obs.At)) <= c.opts.maxWindow() {
			cands = append(cands, i)
		}
	}
	if len(cands) == 0 {
		return nil
	}
	// Nearest first so the window is sized by the tightest pair.
	sort.SliceStable(cands, func(a, b int) bool {
		return absDur(c.pending[cands[a]].At.Sub(obs.At)) < absDur(c.pending[cands[b]].At.Sub(obs.At))
	})

	members := []Observation{obs}
	var size time.Duration
	taken := make(map[int]bool)
	for _, idx := range cands {
		p := c.pending[idx]
		trial := sortedMembers(append(append([]Observation(nil), members...), p))
		if size == 0 {
			typ, base, _ := classify(trial, c.registry, c.patterns)
			size = c.opts.window(typ, base)
		}
		if trial[len(trial)-1].At.Sub(trial[0].At) > size {
			continue
		}
		members = trial
		taken[idx] = true
	}
	if len(taken) == 0 {
		return nil
	}

	kept := c.pending[:0]
	for i, p := range c.pending {
		if !taken[i] {
			kept = append(kept, p)
		}
	}
	c.pending = kept

	corr := &Correlation{
		ID:        correlationID(members),
		Members:   members,
		Window:    TimeWindow{Size: size},
		State:     StateOpen,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	c.rescore(corr)
	return corr
}

func (c *Correlator) rescore(corr *Correlation) {
	corr.Type, corr.BaseType, corr.Pattern = classify(corr.Members, c.registry, c.patterns)
	corr.Strength = c.linker().strength(corr.Members, corr.Window.Size)
	corr.Confidence = confidence(corr.Members)
	corr.Window.Start = corr.Members[0].At
	corr.Window.End = corr.Members[len(corr.Members)-1].At
}

// Sweep advances lifecycles: Open becomes Stabilizing after one grace period
// without new members and Closed after a second. Correlations whose members
// were all observed longer ago than the retention horizon are evicted; closed
// ones are dropped once retention has passed since closing. Expired pending
// observations are forgotten. Ages are measured from ObservedAt.
func (c *Correlator) Sweep(now time.Time) []Update {
	var updates []Update
	kept := c.active[:0]
	for _, corr := range c.active {
		stale := now.Sub(lastObserved(corr)) > c.opts.Retention
		if corr.State == StateClosed {
			if stale || now.Sub(corr.ClosedAt) >= c.opts.Retention {
				c.forget(corr)
				continue
			}
			kept = append(kept, corr)
			continue
		}
		if stale {
			c.forget(corr)
			metrics.CorrelationsEvicted.Inc()
			updates = append(updates, Update{Kind: UpdateEvicted, Correlation: corr.Copy()})
			continue
		}

		idle := now.Sub(corr.UpdatedAt)
		if corr.State == StateOpen && idle >= c.opts.Grace {
			corr.State = StateStabilizing
			updates = append(updates, Update{Kind: UpdateStabilizing, Correlation: corr.Copy()})
		}
		if corr.State == StateStabilizing && idle >= 2*c.opts.Grace {
			corr.State = StateClosed
			corr.ClosedAt = now
			metrics.CorrelationsClosed.WithLabelValues(string(corr.Type)).Inc()
			updates = append(updates, Update{Kind: UpdateClosed, Correlation: corr.Copy()})
		}
		kept = append(kept, corr)
	}
	for i := len(kept); i < len(c.active); i++ {
		c.active[i] = nil
	}
	c.active = kept

	horizon := c.opts.maxWindow() + c.opts.DetectionLag
	pend := c.pending[:0]
	for _, p := range c.pending {
		if now.Sub(p.ObservedAt) > horizon {
			delete(c.seen, p.ID)
			continue
		}
		pend = append(pend, p)
	}
	c.pending = pend

	metrics.ActiveCorrelations.Set(float64(c.Live()))
	return updates
}

// Live counts correlations that are not closed.
func (c *Correlator) Live() int {
	var n int
	for _, corr := range c.active {
		if corr.State != StateClosed {
			n++
		}
	}
	return n
}

// Pending is the number of observations waiting for a partner.
func (c *Correlator) Pending() int { return len(c.pending) }

// Snapshot copies every retained correlation in anchor order.
func (c *Correlator) Snapshot() []Correlation {
	out := make([]Correlation, 0, len(c.active))
	for _, corr := range c.active {
		out = append(out, corr.Copy())
	}
	return out
}

func (c *Correlator) forget(corr *Correlation) {
	for _, m := range corr.Members {
		delete(c.seen, m.ID)
	}
}

// evictStalest drops the live or closed correlation updated least recently.
func (c *Correlator) evictStalest() Update {
	idx := 0
	for i, corr := range c.active {
		if corr.UpdatedAt.Before(c.active[idx].UpdatedAt) {
			idx = i
		}
	}
	corr := c.active[idx]
	c.active = append(c.active[:idx], c.active[idx+1:]...)
	c.forget(corr)
	metrics.CorrelationsEvicted.Inc()
	slog.Debug("correlation evicted at capacity", "correlation", corr.ID, "max_active", c.opts.MaxActive)
	return Update{Kind: UpdateEvicted, Correlation: corr.Copy()}
}

func (c *Correlator) insertActive(corr *Correlation) {
	c.active = append(c.active, corr)
	c.sortActive()
}

func (c *Correlator) sortActive() {
	sort.SliceStable(c.active, func(i, j int) bool {
		a, b := c.active[i].Anchor(), c.active[j].Anchor()
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		return c.active[i].ID < c.active[j].ID
	})
}

func (c *Correlator) addPending(obs Observation) {
	if c.opts.MaxPending > 0 && len(c.pending) >= c.opts.MaxPending {
		dropped := c.pending[0]
		c.pending = c.pending[1:]
		delete(c.seen, dropped.ID)
		slog.Debug("pending observation dropped at capacity", "id", dropped.ID, "max_pending", c.opts.MaxPending)
	}
	i := sort.Search(len(c.pending), func(i int) bool { return before(obs, c.pending[i]) })
	c.pending = append(c.pending, Observation{})
	copy(c.pending[i+1:], c.pending[i:])
	c.pending[i] = obs
}

func lastObserved(corr *Correlation) time.Time {
	var t time.Time
	for _, m := range corr.Members {
		if m.ObservedAt.After(t) {
			t = m.ObservedAt
		}
	}
	return t
}

func sortedMembers(m []Observation) []Observation {
	sort.SliceStable(m, func(i, j int) bool { return before(m[i], m[j]) })
	return m
}

var correlationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:telcorr:correlation"))

// correlationID derives a stable id from the opening members.
func correlationID(members []Observation) string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return uuid.NewSHA1(correlationNamespace, []byte(strings.Join(ids, "\x00"))).String()
}
