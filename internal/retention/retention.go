// Package retention prunes old revisions in the background so the
// revision log does not grow without bound.
package retention

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/knowhub/collab/internal/storage"
)

type Config struct {
	// Interval between pruning passes.
	Interval time.Duration

	// Keep is the number of revisions retained per entry. Zero or
	// negative disables pruning entirely.
	Keep int
}

func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Minute,
		Keep:     50,
	}
}

// Service runs periodic pruning passes over every entry in the store.
type Service struct {
	store  *storage.Store
	config Config
	log    *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store *storage.Store, config Config, log *zap.Logger) *Service {
	return &Service{
		store:  store,
		config: config,
		log:    log,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	if s.config.Keep <= 0 {
		s.log.Info("revision retention disabled")
		return
	}
	s.wg.Add(1)
	go s.run()
	s.log.Info("retention service started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("keep", s.config.Keep))
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.PruneAll(context.Background())
		}
	}
}

// PruneAll runs one pruning pass over every entry with revisions.
func (s *Service) PruneAll(ctx context.Context) {
	ids, err := s.store.EntryIDs(ctx)
	if err != nil {
		s.log.Error("retention: list entries", zap.Error(err))
		return
	}

	var pruned int64
	for _, entryID := range ids {
		count, err := s.store.CountRevisions(ctx, entryID)
		if err != nil || count <= s.config.Keep {
			continue
		}
		n, err := s.store.PruneRevisions(ctx, entryID, s.config.Keep)
		if err != nil {
			s.log.Error("retention: prune failed", zap.Int64("entryId", entryID), zap.Error(err))
			continue
		}
		pruned += n
	}

	if pruned > 0 {
		s.log.Info("pruned revisions", zap.Int64("deleted", pruned))
	}
}
