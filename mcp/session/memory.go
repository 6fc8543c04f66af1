package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record  Record
	expires time.Time
}

type MemoryStore struct {
	ctx       context.Context
	cancel    context.CancelFunc
	records   map[string]*memoryEntry
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a process local Store. It is only suitable when a
// single server process handles every session.
func NewMemoryStore(parent context.Context, opts ...StoreOption) *MemoryStore {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	s := &MemoryStore{
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[string]*memoryEntry),
		cfg:     cfg,
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

func (s *MemoryStore) expired(e *memoryEntry, now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

func (s *MemoryStore) Save(_ context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}
	now := s.cfg.clock.Now()
	rec := *record
	rec.Tools = append([]string(nil), record.Tools...)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	s.mutex.Lock()
	s.records[rec.ID] = &memoryEntry{record: rec, expires: s.cfg.expiresAt(now)}
	s.mutex.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.records[sessionID]
	if !ok {
		return nil, nil
	}
	if s.expired(e, s.cfg.clock.Now()) {
		delete(s.records, sessionID)
		return nil, nil
	}
	rec := e.record
	rec.Tools = append([]string(nil), e.record.Tools...)
	return &rec, nil
}

func (s *MemoryStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	rec, err := s.Get(ctx, sessionID)
	return rec != nil, err
}

func (s *MemoryStore) Touch(_ context.Context, sessionID string) error {
	now := s.cfg.clock.Now()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.records[sessionID]
	if !ok || s.expired(e, now) {
		delete(s.records, sessionID)
		return ErrSessionNotFound
	}
	e.record.LastSeen = now
	e.expires = s.cfg.expiresAt(now)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mutex.Lock()
	delete(s.records, sessionID)
	s.mutex.Unlock()
	return nil
}

// Sweep removes expired records and returns how many were removed
func (s *MemoryStore) Sweep() int {
	now := s.cfg.clock.Now()
	var count int
	s.mutex.Lock()
	for id, e := range s.records {
		if s.expired(e, now) {
			delete(s.records, id)
			count++
		}
	}
	s.mutex.Unlock()
	return count
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
	return nil
}

func (s *MemoryStore) run() {
	defer s.waitGroup.Done()
	ticker := s.cfg.clock.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.Sweep(); n > 0 && s.cfg.logger != nil {
				s.cfg.logger.Debug("swept %d expired sessions", n)
			}
		}
	}
}
