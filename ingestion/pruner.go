package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/UditanshuPandey/RAG-Xpert/knowledge"
	"github.com/UditanshuPandey/RAG-Xpert/metrics"
	"github.com/UditanshuPandey/RAG-Xpert/session"
)

// GraphSink mirrors indexed documents into the knowledge graph.
type GraphSink interface {
	SyncDocument(ctx context.Context, doc knowledge.Document) error
	DeleteSessions(ctx context.Context, sessionIDs []string) error
	Purge(ctx context.Context) error
}

// Pruner keeps the number of session collections bounded by dropping the least recently loaded ones.
type Pruner struct {
	index    Index
	graph    GraphSink
	sessions session.Store
	locks    *session.Locks
	metrics  *metrics.Recorder
	logger   *log.Logger
	keep     int
}

func NewPruner(index Index, graph GraphSink, sessions session.Store, locks *session.Locks, recorder *metrics.Recorder, logger *log.Logger, keep int) *Pruner {
	if logger == nil {
		logger = log.Default()
	}
	if locks == nil {
		locks = session.NewLocks()
	}
	return &Pruner{
		index:    index,
		graph:    graph,
		sessions: sessions,
		locks:    locks,
		metrics:  recorder,
		logger:   logger,
		keep:     keep,
	}
}

// Prune deletes every collection beyond the newest keep and returns how many were removed.
// Callers must not hold the lock of any session that could be pruned.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	if p.keep <= 0 {
		return 0, nil
	}

	stale, err := p.index.StaleSessions(ctx, p.keep)
	if err != nil {
		return 0, fmt.Errorf("list stale collections: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := p.index.DeleteSessions(ctx, stale); err != nil {
		return 0, fmt.Errorf("delete stale collections: %w", err)
	}
	if p.graph != nil {
		if err := p.graph.DeleteSessions(ctx, stale); err != nil {
			p.logger.Printf("prune knowledge graph failed: %v", err)
		}
	}

	for _, id := range stale {
		if err := p.detachSources(ctx, id); err != nil {
			p.logger.Printf("reset session %s after prune failed: %v", id, err)
		}
	}

	p.metrics.CollectionsPruned(len(stale))
	p.logger.Printf("pruned %d stale collections", len(stale))
	return len(stale), nil
}

func (p *Pruner) detachSources(ctx context.Context, id string) error {
	unlock := p.locks.Lock(id)
	defer unlock()

	sess, err := p.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}
	sess.Sources = []string{}
	sess.UseRAG = false
	return p.sessions.Save(ctx, sess)
}

// Schedule runs Prune on the given cron spec until the returned cron is stopped.
func (p *Pruner) Schedule(spec string, timeout time.Duration) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := p.Prune(ctx); err != nil {
			p.logger.Printf("scheduled prune failed: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule prune %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
