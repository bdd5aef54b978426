package correlator

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"bundlebridge/internal/clock"
	"bundlebridge/internal/protocol"
)

// CapturedDownload is the latest download URL seen on a page.
type CapturedDownload struct {
	URL        string
	Source     string
	CapturedAt time.Time
}

// PendingImport is an import request waiting for a capture.
type PendingImport struct {
	Payload    protocol.ImportPayload
	CreatedAt  time.Time
	Generation uint64
}

// StoreOptions sizes and ages the store.
type StoreOptions struct {
	MaxPages   int
	CaptureTTL time.Duration
	PendingTTL time.Duration
}

// Store keeps per-page captures and pending imports. At most one of each
// exists per page; newer entries replace older ones.
type Store struct {
	clock      clock.Clock
	captures   *lru.Cache[string, CapturedDownload]
	pending    *lru.Cache[string, PendingImport]
	applied    *lru.Cache[string, CapturedDownload]
	captureTTL time.Duration
	pendingTTL time.Duration
	generation uint64
}

// NewStore constructs a Store.
func NewStore(clk clock.Clock, opts StoreOptions) (*Store, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 512
	}
	captures, err := lru.New[string, CapturedDownload](opts.MaxPages)
	if err != nil {
		return nil, fmt.Errorf("create capture cache: %w", err)
	}
	pending, err := lru.New[string, PendingImport](opts.MaxPages)
	if err != nil {
		return nil, fmt.Errorf("create pending cache: %w", err)
	}
	applied, err := lru.New[string, CapturedDownload](opts.MaxPages)
	if err != nil {
		return nil, fmt.Errorf("create applied cache: %w", err)
	}
	return &Store{
		clock:      clk,
		captures:   captures,
		pending:    pending,
		applied:    applied,
		captureTTL: opts.CaptureTTL,
		pendingTTL: opts.PendingTTL,
	}, nil
}

// PutCapture records url as the page's latest capture.
func (s *Store) PutCapture(page, url, source string) CapturedDownload {
	capture := CapturedDownload{URL: url, Source: source, CapturedAt: s.clock.Now()}
	s.captures.Add(page, capture)
	return capture
}

// TakeFreshCapture removes and returns the page's capture when it is younger
// than maxAge. A stale capture stays until the sweep.
func (s *Store) TakeFreshCapture(page string, maxAge time.Duration) (CapturedDownload, bool) {
	capture, ok := s.captures.Peek(page)
	if !ok || capture.URL == "" {
		return CapturedDownload{}, false
	}
	if s.clock.Now().Sub(capture.CapturedAt) >= maxAge {
		return CapturedDownload{}, false
	}
	s.captures.Remove(page)
	return capture, true
}

// MarkApplied records url as the last URL submitted for page.
func (s *Store) MarkApplied(page, url string) {
	if url == "" {
		return
	}
	s.applied.Add(page, CapturedDownload{URL: url, CapturedAt: s.clock.Now()})
}

// RecentlyApplied reports whether url was submitted for page within the
// capture TTL.
func (s *Store) RecentlyApplied(page, url string) bool {
	last, ok := s.applied.Peek(page)
	if !ok || last.URL != url {
		return false
	}
	return s.clock.Now().Sub(last.CapturedAt) <= s.captureTTL
}

// Capture returns the page's capture without consuming it.
func (s *Store) Capture(page string) (CapturedDownload, bool) {
	return s.captures.Peek(page)
}

// PutPending stores payload as the page's only pending import, replacing any
// earlier one. The returned generation identifies this entry.
func (s *Store) PutPending(page string, payload protocol.ImportPayload) PendingImport {
	s.generation++
	entry := PendingImport{Payload: payload, CreatedAt: s.clock.Now(), Generation: s.generation}
	s.pending.Add(page, entry)
	return entry
}

// TakePending removes and returns the page's pending import. A non-zero
// generation only matches that exact entry.
func (s *Store) TakePending(page string, generation uint64) (PendingImport, bool) {
	entry, ok := s.pending.Peek(page)
	if !ok {
		return PendingImport{}, false
	}
	if generation != 0 && entry.Generation != generation {
		return PendingImport{}, false
	}
	s.pending.Remove(page)
	return entry, true
}

// Pending returns the page's pending import without consuming it.
func (s *Store) Pending(page string) (PendingImport, bool) {
	return s.pending.Peek(page)
}

// OldestPending returns the page whose pending import is oldest and younger
// than maxAge.
func (s *Store) OldestPending(maxAge time.Duration) (string, bool) {
	now := s.clock.Now()
	var (
		page   string
		oldest time.Time
		found  bool
	)
	for _, key := range s.pending.Keys() {
		entry, ok := s.pending.Peek(key)
		if !ok || now.Sub(entry.CreatedAt) >= maxAge {
			continue
		}
		if !found || entry.CreatedAt.Before(oldest) {
			page, oldest, found = key, entry.CreatedAt, true
		}
	}
	return page, found
}

// DropPage forgets everything stored for page.
func (s *Store) DropPage(page string) {
	s.captures.Remove(page)
	s.pending.Remove(page)
	s.applied.Remove(page)
}

// Sweep evicts captures older than the capture TTL and pending imports older
// than the pending TTL. Fresh entries are untouched.
func (s *Store) Sweep() (captures, pending int) {
	now := s.clock.Now()
	for _, page := range s.captures.Keys() {
		if c, ok := s.captures.Peek(page); ok && now.Sub(c.CapturedAt) > s.captureTTL {
			s.captures.Remove(page)
			captures++
		}
	}
	for _, page := range s.applied.Keys() {
		if a, ok := s.applied.Peek(page); ok && now.Sub(a.CapturedAt) > s.captureTTL {
			s.applied.Remove(page)
		}
	}
	for _, page := range s.pending.Keys() {
		if p, ok := s.pending.Peek(page); ok && now.Sub(p.CreatedAt) > s.pendingTTL {
			s.pending.Remove(page)
			pending++
		}
	}
	return captures, pending
}

// Len returns the number of stored captures and pending imports.
func (s *Store) Len() (captures, pending int) {
	return s.captures.Len(), s.pending.Len()
}
