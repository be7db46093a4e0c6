package timeframe

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HoursPerDay and SecondsPerHour ground the TimeGroup/TimeBucket
// decomposition spec.md §3 defines: TimeGroup = reporting_time / 24h,
// TimeBucket = (reporting_time mod 24h) / 1h.
const (
	HoursPerDay    = 24
	SecondsPerHour = int64(time.Hour / time.Second)
	SecondsPerDay  = SecondsPerHour * HoursPerDay
)

// TimeGroupOf returns the day index for t.
func TimeGroupOf(t time.Time) uint64 {
	return uint64(t.Unix() / SecondsPerDay)
}

// TimeBucketOf returns the hour-of-day index, in [0,23], for t.
func TimeBucketOf(t time.Time) int {
	return int((t.Unix() % SecondsPerDay) / SecondsPerHour)
}

// Group is the Budget Key Timeframe Group: one day's worth of hourly
// timeframes, plus the loader bookkeeping spec.md §3/§4.3.1 describes
// ("at most one loader may be active per group; others retry").
type Group struct {
	// sortKeyLock guards the timeframes map and the loader flags: it is
	// held both for structural edits (adding a Timeframe to the map) and
	// for reads of already-present timeframes, since a plain Go map has
	// no lock-free concurrent read.
	sortKeyLock sync.Mutex

	timeGroup  uint64
	timeframes map[int]*Timeframe
	isLoaded   bool
	loaderBusy bool
}

// NewGroup returns an empty, not-yet-loaded Group for timeGroup.
func NewGroup(timeGroup uint64) *Group {
	return &Group{timeGroup: timeGroup, timeframes: make(map[int]*Timeframe)}
}

// TimeGroup returns the day index this group covers.
func (g *Group) TimeGroup() uint64 { return g.timeGroup }

// IsLoaded reports whether the group's NoSQL/journal load has completed.
func (g *Group) IsLoaded() bool {
	g.sortKeyLock.Lock()
	defer g.sortKeyLock.Unlock()
	return g.isLoaded
}

// MarkLoaded sets is_loaded, used both by the NoSQL load path and by
// journal replay of INSERT_TIMEGROUP_INTO_CACHE.
func (g *Group) MarkLoaded(loaded bool) {
	g.sortKeyLock.Lock()
	defer g.sortKeyLock.Unlock()
	g.isLoaded = loaded
}

// TryBecomeLoader returns true exactly once per loading episode: the
// first caller to find the group unloaded and not-yet-being-loaded
// becomes the loader; subsequent callers before the loader finishes get
// false and must retry.
func (g *Group) TryBecomeLoader() bool {
	g.sortKeyLock.Lock()
	defer g.sortKeyLock.Unlock()
	if g.isLoaded || g.loaderBusy {
		return false
	}
	g.loaderBusy = true
	return true
}

// FinishLoading clears the loader-busy flag, successful or not; on
// success the caller has already called MarkLoaded(true).
func (g *Group) FinishLoading() {
	g.sortKeyLock.Lock()
	defer g.sortKeyLock.Unlock()
	g.loaderBusy = false
}

// Get returns the Timeframe for bucket, if present.
func (g *Group) Get(bucket int) (*Timeframe, bool) {
	g.sortKeyLock.Lock()
	defer g.sortKeyLock.Unlock()
	tf, ok := g.timeframes[bucket]
	return tf, ok
}

// GetOrCreate returns the existing Timeframe for bucket, or installs a
// freshly created one (token_count = kMaxToken).
func (g *Group) GetOrCreate(bucket int) *Timeframe {
	g.sortKeyLock.Lock()
	defer g.sortKeyLock.Unlock()
	if tf, ok := g.timeframes[bucket]; ok {
		return tf
	}
	tf := NewTimeframe(bucket)
	g.timeframes[bucket] = tf
	return tf
}

// Install sets (overwriting) the Timeframe for bucket, used to install
// state loaded verbatim from NoSQL or journal replay.
func (g *Group) Install(bucket int, tf *Timeframe) {
	g.sortKeyLock.Lock()
	defer g.sortKeyLock.Unlock()
	g.timeframes[bucket] = tf
}

// AllPresent reports whether every bucket in buckets already has a
// Timeframe installed.
func (g *Group) AllPresent(buckets []int) bool {
	g.sortKeyLock.Lock()
	defer g.sortKeyLock.Unlock()
	for _, b := range buckets {
		if _, ok := g.timeframes[b]; !ok {
			return false
		}
	}
	return true
}

// Snapshot returns a stable copy of every installed timeframe, sorted
// by bucket, used by Checkpoint and by eviction's NoSQL row rendering.
func (g *Group) Snapshot() []Snapshot {
	g.sortKeyLock.Lock()
	tfs := make([]*Timeframe, 0, len(g.timeframes))
	for _, tf := range g.timeframes {
		tfs = append(tfs, tf)
	}
	g.sortKeyLock.Unlock()

	out := make([]Snapshot, 0, len(tfs))
	for _, tf := range tfs {
		out = append(out, tf.Snapshot())
	}
	sortSnapshots(out)
	return out
}

// CanUnload reports whether every timeframe in the group is unlocked,
// per spec.md §4.3.7.
func (g *Group) CanUnload() bool {
	for _, s := range g.Snapshot() {
		if s.ActiveTransactionID != uuid.Nil {
			return false
		}
	}
	return true
}

func sortSnapshots(s []Snapshot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].TimeBucket < s[j-1].TimeBucket; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
