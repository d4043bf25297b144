// Package progress implements the adaptive, manifest-scoped progress state
// machine described in spec §4.G: manifest selection from observed request
// traffic, monotonic byte accounting across denominator narrowing, and
// idle-driven finalization.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shardcast/shardcast/pkg/filemap"
)

// Mode identifies how a Tracker picked its progress denominator.
type Mode string

const (
	ModeExplicit Mode = "explicit"
	ModeAdaptive Mode = "adaptive"
	ModeFallback Mode = "fallback"
)

// DefaultIdleDelay is how long a source may sit with zero pending fetches
// before the tracker finalizes it, absent an explicit complete message.
const DefaultIdleDelay = 2 * time.Second

// DefaultThrottleInterval bounds how often Event broadcasts are emitted per
// source.
const DefaultThrottleInterval = 250 * time.Millisecond

// Event is one progress broadcast, per spec §6.3's "progress" message.
type Event struct {
	CorrelationID    string
	SourcePrefix     string
	LastFile         string
	FileLoaded       int64
	FileTotal        int64
	Loaded           int64
	Total            int64
	Percent          int
	Done             bool
	Mode             Mode
	SelectedManifest string
}

type fileState struct {
	Size   int64
	Loaded int64
}

// Tracker owns the progress state for a single registered source. It is
// safe for concurrent use; the resolver calls its methods from whatever
// goroutine is handling a given request.
type Tracker struct {
	logger           zerolog.Logger
	sourcePrefix     string
	broadcast        func(Event)
	idleDelay        time.Duration
	throttleInterval time.Duration

	mu                 sync.Mutex
	fm                 *filemap.Filemap
	requestedManifest  string
	mode               Mode
	selectedManifest   string
	candidateManifests []string
	files              map[string]*fileState
	activeFiles        map[string]bool
	totalBytes         int64
	loadedBytes        int64
	pendingFetches     int
	finalized          bool
	lastFile           string
	lastPercent        int
	idleTimer          *time.Timer

	emitMu      sync.Mutex
	lastEmit    time.Time
	pendingEmit *time.Timer
	doneEmitted bool
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithIdleDelay overrides DefaultIdleDelay.
func WithIdleDelay(d time.Duration) Option { return func(t *Tracker) { t.idleDelay = d } }

// WithThrottleInterval overrides DefaultThrottleInterval.
func WithThrottleInterval(d time.Duration) Option {
	return func(t *Tracker) { t.throttleInterval = d }
}

// NewTracker returns a Tracker for sourcePrefix in the uninitialized state.
// requestedManifest is the manifest name fixed at source registration, or
// "" for adaptive/fallback selection once the filemap loads.
func NewTracker(logger zerolog.Logger, sourcePrefix, requestedManifest string, broadcast func(Event), opts ...Option) *Tracker {
	t := &Tracker{
		logger:            logger.With().Str("component", "progress.tracker").Str("source", sourcePrefix).Logger(),
		sourcePrefix:      sourcePrefix,
		requestedManifest: requestedManifest,
		broadcast:         broadcast,
		idleDelay:         DefaultIdleDelay,
		throttleInterval:  DefaultThrottleInterval,
		files:             make(map[string]*fileState),
		activeFiles:       make(map[string]bool),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// OnFilemapLoaded selects the tracker's mode once the source's filemap has
// been fetched, per the state table's "filemap loaded" transitions.
func (t *Tracker) OnFilemapLoaded(fm *filemap.Filemap) {
	t.mu.Lock()
	t.fm = fm

	switch {
	case t.requestedManifest != "":
		if m, ok := fm.Manifests[t.requestedManifest]; ok {
			t.mode = ModeExplicit
			t.selectedManifest = t.requestedManifest
			t.setFilesLocked(m.Files, m.Size)
		} else {
			t.degradeToFallbackLocked()
		}
	case len(fm.Manifests) > 0:
		t.mode = ModeAdaptive
		t.candidateManifests = sortedManifestNames(fm.Manifests)
		t.selectWidestLocked()
	default:
		t.degradeToFallbackLocked()
	}
	t.mu.Unlock()

	t.scheduleBroadcast(false)
}

func sortedManifestNames(manifests map[string]filemap.Manifest) []string {
	names := make([]string, 0, len(manifests))
	for n := range manifests {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// selectWidestLocked picks the largest-by-size manifest among the current
// candidates, breaking ties by name for determinism. Caller holds t.mu.
func (t *Tracker) selectWidestLocked() {
	var best string

	var bestSize int64 = -1

	for _, name := range t.candidateManifests {
		m, ok := t.fm.Manifests[name]
		if !ok {
			continue
		}

		if m.Size > bestSize || (m.Size == bestSize && name < best) {
			best = name
			bestSize = m.Size
		}
	}

	t.selectedManifest = best

	if m, ok := t.fm.Manifests[best]; ok {
		t.setFilesLocked(m.Files, m.Size)
	}
}

func (t *Tracker) degradeToFallbackLocked() {
	t.mode = ModeFallback
	t.selectedManifest = ""
	t.candidateManifests = nil

	vps := make([]string, 0, len(t.fm.Files))
	for vp := range t.fm.Files {
		vps = append(vps, vp)
	}

	t.setFilesLocked(vps, t.fm.Size)
}

// setFilesLocked rebuilds the tracked per-file set, preserving any
// previously accumulated per-file loaded counts for virtual paths that
// remain in the new set. Caller holds t.mu.
func (t *Tracker) setFilesLocked(vps []string, total int64) {
	next := make(map[string]*fileState, len(vps))

	for _, vp := range vps {
		entry, ok := t.fm.Files[vp]
		if !ok {
			continue
		}

		fs := &fileState{Size: entry.Size}
		if prev, ok := t.files[vp]; ok {
			fs.Loaded = prev.Loaded
		}

		next[vp] = fs
	}

	t.files = next
	t.totalBytes = total
}

// OnRequest records that relPath was addressed, narrowing the candidate
// manifest set in adaptive mode per the state table's narrowing rule.
func (t *Tracker) OnRequest(vp string) {
	t.mu.Lock()

	if t.finalized {
		t.mu.Unlock()

		return
	}

	if t.mode == ModeAdaptive && t.fm != nil && len(t.candidateManifests) > 1 {
		filtered := make([]string, 0, len(t.candidateManifests))

		for _, name := range t.candidateManifests {
			m, ok := t.fm.Manifests[name]
			if !ok {
				continue
			}

			if containsVP(m.Files, vp) {
				filtered = append(filtered, name)
			}
		}

		if len(filtered) > 0 && len(filtered) < len(t.candidateManifests) {
			t.candidateManifests = filtered
			t.selectWidestLocked()
		}
	}

	t.mu.Unlock()

	t.scheduleBroadcast(false)
}

func containsVP(files []string, vp string) bool {
	for _, f := range files {
		if f == vp {
			return true
		}
	}

	return false
}

// OnFetchStart marks a shard fetch as pending, canceling any armed idle
// finalization timer.
func (t *Tracker) OnFetchStart() {
	t.mu.Lock()
	t.pendingFetches++

	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.mu.Unlock()
}

// OnFetchEnd marks a shard fetch as complete. If it was the last pending
// fetch and the tracker is not in explicit mode, it arms the idle
// finalization timer.
func (t *Tracker) OnFetchEnd() {
	t.mu.Lock()

	t.pendingFetches--
	if t.pendingFetches < 0 {
		t.pendingFetches = 0
	}

	armIdle := t.pendingFetches == 0 && t.mode != ModeExplicit && !t.finalized
	if armIdle {
		if t.idleTimer != nil {
			t.idleTimer.Stop()
		}

		t.idleTimer = time.AfterFunc(t.idleDelay, t.finalize)
	}

	t.mu.Unlock()
}

// OnBytesLoaded records n additional loaded bytes for vp. loadedBytes is an
// append-only counter: it is never decreased, including when the
// denominator narrows.
func (t *Tracker) OnBytesLoaded(vp string, n int64) {
	if n <= 0 {
		return
	}

	t.mu.Lock()

	if t.finalized {
		t.mu.Unlock()

		return
	}

	t.activeFiles[vp] = true

	fs, ok := t.files[vp]
	if !ok {
		size := n
		if t.fm != nil {
			if entry, ok := t.fm.Files[vp]; ok {
				size = entry.Size
			}
		}

		fs = &fileState{Size: size}
		t.files[vp] = fs
	}

	fs.Loaded += n
	if fs.Loaded > fs.Size {
		fs.Loaded = fs.Size
	}

	t.loadedBytes += n
	t.lastFile = vp

	t.mu.Unlock()

	t.scheduleBroadcast(false)
}

// Complete forces finalization of this source's progress state, per the
// page-initiated "complete" control message.
func (t *Tracker) Complete() { t.finalize() }

// finalize shrinks the denominator to the set of files actually touched,
// marks every tracked file fully loaded, and emits one terminal event.
func (t *Tracker) finalize() {
	t.mu.Lock()

	if t.finalized {
		t.mu.Unlock()

		return
	}

	var total int64

	for vp := range t.activeFiles {
		if fs, ok := t.files[vp]; ok {
			fs.Loaded = fs.Size
			total += fs.Size
		} else if t.fm != nil {
			if entry, ok := t.fm.Files[vp]; ok {
				total += entry.Size
			}
		}
	}

	if total > 0 {
		t.totalBytes = total
	}

	if t.loadedBytes < t.totalBytes {
		t.loadedBytes = t.totalBytes
	}

	t.finalized = true

	t.mu.Unlock()

	t.scheduleBroadcast(true)
}

// buildEventLocked computes the current Event. Caller holds t.mu.
func (t *Tracker) buildEventLocked() Event {
	percent := 0
	if t.totalBytes > 0 {
		percent = int(t.loadedBytes * 100 / t.totalBytes)
	} else if t.finalized {
		percent = 100
	}

	if percent > 100 {
		percent = 100
	}

	if percent < t.lastPercent {
		percent = t.lastPercent
	}

	t.lastPercent = percent

	var fileLoaded, fileTotal int64

	if fs, ok := t.files[t.lastFile]; ok {
		fileLoaded, fileTotal = fs.Loaded, fs.Size
	}

	return Event{
		CorrelationID:    uuid.NewString(),
		SourcePrefix:     t.sourcePrefix,
		LastFile:         t.lastFile,
		FileLoaded:       fileLoaded,
		FileTotal:        fileTotal,
		Loaded:           t.loadedBytes,
		Total:            t.totalBytes,
		Percent:          percent,
		Done:             t.finalized,
		Mode:             t.mode,
		SelectedManifest: t.selectedManifest,
	}
}

// scheduleBroadcast emits a throttled progress event, guaranteeing one
// trailing emission on quiescence and bypassing the throttle for a forced
// emission or whenever the event reaches 100%/finalized.
func (t *Tracker) scheduleBroadcast(force bool) {
	t.mu.Lock()
	ev := t.buildEventLocked()
	t.mu.Unlock()

	if force || ev.Done || ev.Percent >= 100 {
		t.emitNow(ev)

		return
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	if t.pendingEmit != nil {
		return
	}

	elapsed := time.Since(t.lastEmit)
	if elapsed >= t.throttleInterval {
		t.emitNowLocked(ev)

		return
	}

	delay := t.throttleInterval - elapsed
	t.pendingEmit = time.AfterFunc(delay, func() {
		t.emitMu.Lock()
		t.pendingEmit = nil
		t.emitMu.Unlock()

		t.mu.Lock()
		ev2 := t.buildEventLocked()
		t.mu.Unlock()

		t.emitNow(ev2)
	})
}

func (t *Tracker) emitNow(ev Event) {
	t.emitMu.Lock()
	t.emitNowLocked(ev)
	t.emitMu.Unlock()
}

// emitNowLocked emits ev and stamps lastEmit. Once a done event has been
// emitted, every later event is dropped. Caller holds t.emitMu.
func (t *Tracker) emitNowLocked(ev Event) {
	if t.doneEmitted {
		return
	}

	t.doneEmitted = ev.Done
	t.lastEmit = time.Now()
	t.broadcast(ev)
}
