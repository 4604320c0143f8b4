// Package requestlog records recent gateway requests for the admin API and
// keeps running per-path totals that survive eviction.
package requestlog

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultCapacity = 1000
	defaultLimit    = 100
	maxLimit        = 1000
)

// Entry is one gateway request.
type Entry struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Method      string        `json:"method"`
	Path        string        `json:"path"`
	Query       string        `json:"query,omitempty"`
	Status      int           `json:"status"`
	Duration    time.Duration `json:"duration"`
	DurationMS  float64       `json:"duration_ms"`
	BytesIn     int64         `json:"bytes_in"`
	BytesOut    int64         `json:"bytes_out"`
	ClientIP    string        `json:"client_ip"`
	Origin      string        `json:"origin,omitempty"`
	UserAgent   string        `json:"user_agent,omitempty"`
	Subject     string        `json:"subject,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	ErrorType   string        `json:"error_type,omitempty"`
}

// StatusClass returns "2xx", "4xx" and so on.
func (e Entry) StatusClass() string {
	if e.Status < 100 || e.Status > 599 {
		return "other"
	}
	return string(rune('0'+e.Status/100)) + "xx"
}

type pathTotals struct {
	calls    int
	errors   int
	streams  int
	duration time.Duration
	slowest  time.Duration
}

// Store holds the most recent entries, oldest first, plus totals for every
// entry ever added since the last Clear.
type Store struct {
	mu       sync.RWMutex
	capacity int
	recent   []Entry
	evicted  int

	paths      map[string]*pathTotals
	statuses   map[string]int
	errorTypes map[string]int
}

// NewStore returns a store that retains up to capacity entries.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	s := &Store{capacity: capacity}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.recent = make([]Entry, 0, s.capacity)
	s.evicted = 0
	s.paths = make(map[string]*pathTotals)
	s.statuses = make(map[string]int)
	s.errorTypes = make(map[string]int)
}

// Add records e, evicting the oldest entry when full.
func (s *Store) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.recent) == s.capacity {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:len(s.recent)-1]
		s.evicted++
	}
	s.recent = append(s.recent, e)

	t, ok := s.paths[e.Path]
	if !ok {
		t = &pathTotals{}
		s.paths[e.Path] = t
	}
	t.calls++
	t.duration += e.Duration
	t.slowest = max(t.slowest, e.Duration)
	if e.Stream {
		t.streams++
	}
	if e.ErrorType != "" {
		t.errors++
		s.errorTypes[e.ErrorType]++
	}
	s.statuses[e.StatusClass()]++
}

// Query selects entries. Zero fields match everything.
type Query struct {
	Method string
	// Path matches exactly, or as a prefix when it ends in "*".
	Path        string
	ExcludePath string
	// StatusClass is "2xx", "4xx" and so on.
	StatusClass string
	Status      int
	ErrorType   string
	Subject     string
	ExecutionID string
	// Errors keeps only entries that answered with an error envelope.
	Errors bool
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

func (q Query) predicates() []func(Entry) bool {
	var preds []func(Entry) bool
	add := func(on bool, p func(Entry) bool) {
		if on {
			preds = append(preds, p)
		}
	}
	add(q.Method != "", func(e Entry) bool { return strings.EqualFold(e.Method, q.Method) })
	add(q.Path != "", func(e Entry) bool { return pathMatches(q.Path, e.Path) })
	add(q.ExcludePath != "", func(e Entry) bool { return !pathMatches(q.ExcludePath, e.Path) })
	add(q.StatusClass != "", func(e Entry) bool { return e.StatusClass() == q.StatusClass })
	add(q.Status != 0, func(e Entry) bool { return e.Status == q.Status })
	add(q.ErrorType != "", func(e Entry) bool { return e.ErrorType == q.ErrorType })
	add(q.Subject != "", func(e Entry) bool { return e.Subject == q.Subject })
	add(q.ExecutionID != "", func(e Entry) bool { return e.ExecutionID == q.ExecutionID })
	add(q.Errors, func(e Entry) bool { return e.ErrorType != "" })
	add(!q.Since.IsZero(), func(e Entry) bool { return !e.Timestamp.Before(q.Since) })
	add(!q.Until.IsZero(), func(e Entry) bool { return !e.Timestamp.After(q.Until) })
	return preds
}

func pathMatches(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == pattern
}

// Page is one window of a query result.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// List returns matching entries newest first.
func (s *Store) List(q Query) Page {
	switch {
	case q.Limit <= 0:
		q.Limit = defaultLimit
	case q.Limit > maxLimit:
		q.Limit = maxLimit
	}
	q.Offset = max(q.Offset, 0)
	preds := q.predicates()

	s.mu.RLock()
	defer s.mu.RUnlock()

	page := Page{Entries: []Entry{}, Limit: q.Limit, Offset: q.Offset}
	for i := len(s.recent) - 1; i >= 0; i-- {
		e := s.recent[i]
		if !matchesAll(preds, e) {
			continue
		}
		if page.Total >= q.Offset && len(page.Entries) < q.Limit {
			page.Entries = append(page.Entries, e)
		}
		page.Total++
	}
	return page
}

func matchesAll(preds []func(Entry) bool, e Entry) bool {
	for _, p := range preds {
		if !p(e) {
			return false
		}
	}
	return true
}

// Count returns the number of retained entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recent)
}

// Clear drops every entry and total.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// PathSummary aggregates every request made to one path.
type PathSummary struct {
	Path      string  `json:"path"`
	Calls     int     `json:"calls"`
	Errors    int     `json:"errors"`
	Streams   int     `json:"streams,omitempty"`
	AverageMS float64 `json:"average_ms"`
	SlowestMS float64 `json:"slowest_ms"`
}

// Summary describes the store and everything recorded since the last Clear.
type Summary struct {
	Capacity      int            `json:"capacity"`
	Retained      int            `json:"retained"`
	Recorded      int            `json:"recorded"`
	ByStatusClass map[string]int `json:"by_status_class"`
	ByErrorType   map[string]int `json:"by_error_type"`
	Paths         []PathSummary  `json:"paths"`
}

// Summary returns totals with paths ordered by call count.
func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		Capacity:      s.capacity,
		Retained:      len(s.recent),
		Recorded:      len(s.recent) + s.evicted,
		ByStatusClass: make(map[string]int, len(s.statuses)),
		ByErrorType:   make(map[string]int, len(s.errorTypes)),
		Paths:         make([]PathSummary, 0, len(s.paths)),
	}
	for k, v := range s.statuses {
		sum.ByStatusClass[k] = v
	}
	for k, v := range s.errorTypes {
		sum.ByErrorType[k] = v
	}
	for path, t := range s.paths {
		sum.Paths = append(sum.Paths, PathSummary{
			Path:      path,
			Calls:     t.calls,
			Errors:    t.errors,
			Streams:   t.streams,
			AverageMS: millis(t.duration / time.Duration(t.calls)),
			SlowestMS: millis(t.slowest),
		})
	}
	sort.Slice(sum.Paths, func(i, j int) bool {
		if sum.Paths[i].Calls != sum.Paths[j].Calls {
			return sum.Paths[i].Calls > sum.Paths[j].Calls
		}
		return sum.Paths[i].Path < sum.Paths[j].Path
	})
	return sum
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
