// Package pagestore holds rasterized page images for in-flight jobs and
// encodes them into self-contained transport blobs.
package pagestore

import (
	"context"
	"sync"
	"time"

	"github.com/spherical/pdf2deck/internal/domain"
)

type pageKey struct {
	page int
	tier domain.Tier
}

type jobPages struct {
	pages      map[pageKey]domain.PageImage
	lastAccess time.Time
}

// Store keeps page images per job. Images are released when taken and
// whole jobs are reclaimed after an idle timeout.
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*jobPages
	idleTimeout time.Duration
	now         func() time.Time
	logger      *domain.Logger
}

// NewStore creates an empty store
func NewStore(idleTimeout time.Duration, logger *domain.Logger) *Store {
	if logger == nil {
		logger = domain.DefaultLogger
	}
	return &Store{
		jobs:        make(map[string]*jobPages),
		idleTimeout: idleTimeout,
		now:         time.Now,
		logger:      logger.WithPrefix("pagestore"),
	}
}

func (s *Store) job(jobID string) *jobPages {
	jp, ok := s.jobs[jobID]
	if !ok {
		jp = &jobPages{pages: make(map[pageKey]domain.PageImage)}
		s.jobs[jobID] = jp
	}
	jp.lastAccess = s.now()
	return jp
}

// Put stores an image, replacing any previous image for the same page and tier
func (s *Store) Put(jobID string, img domain.PageImage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jp := s.job(jobID)
	jp.pages[pageKey{page: img.Page, tier: img.Tier}] = img
}

// Take returns the image and releases it
func (s *Store) Take(jobID string, page int, tier domain.Tier) (domain.PageImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jp, ok := s.jobs[jobID]
	if !ok {
		return domain.PageImage{}, false
	}
	jp.lastAccess = s.now()
	k := pageKey{page: page, tier: tier}
	img, ok := jp.pages[k]
	if !ok {
		return domain.PageImage{}, false
	}
	delete(jp.pages, k)
	return img, true
}

// DropJob removes every image of a job and returns how many were dropped
func (s *Store) DropJob(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	jp, ok := s.jobs[jobID]
	if !ok {
		return 0
	}
	n := len(jp.pages)
	delete(s.jobs, jobID)
	return n
}

// Len returns the number of stored images across all jobs
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, jp := range s.jobs {
		n += len(jp.pages)
	}
	return n
}

// Bytes returns the total size of stored image data
func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, jp := range s.jobs {
		for _, img := range jp.pages {
			n += int64(len(img.Data))
		}
	}
	return n
}

// Reap drops every job that has been idle longer than the idle timeout
func (s *Store) Reap() int {
	if s.idleTimeout <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTimeout)
	reaped := 0
	for id, jp := range s.jobs {
		if jp.lastAccess.Before(cutoff) {
			reaped += len(jp.pages)
			delete(s.jobs, id)
			s.logger.Info("reclaimed idle job %s", id)
		}
	}
	return reaped
}

// StartReaper runs Reap every interval until ctx is done
func (s *Store) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Reap()
			}
		}
	}()
}

// Source wraps a PageSource so images already in the store are consumed
// instead of re-rendered.
type Source struct {
	store *Store
	jobID string
	next  domain.PageSource
}

// NewSource creates a store-backed page source for one job
func NewSource(store *Store, jobID string, next domain.PageSource) *Source {
	return &Source{store: store, jobID: jobID, next: next}
}

// Load implements domain.PageSource
func (s *Source) Load(ctx context.Context, page int, tier domain.Tier) (domain.PageImage, error) {
	if img, ok := s.store.Take(s.jobID, page, tier); ok {
		return img, nil
	}
	return s.next.Load(ctx, page, tier)
}
