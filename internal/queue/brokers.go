package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Brokers hands out one broker and one worker pool per company, created
// lazily on first use.
type Brokers struct {
	client *redis.Client
	cfg    WorkerPoolConfig
	max    int
	logger *zap.Logger

	mu      sync.Mutex
	brokers map[string]*Broker
	pools   map[string]*WorkerPool
}

// NewBrokers creates the per-company broker/pool factory.
func NewBrokers(client *redis.Client, cfg WorkerPoolConfig, maxAttempts int, logger *zap.Logger) *Brokers {
	return &Brokers{
		client:  client,
		cfg:     cfg,
		max:     maxAttempts,
		logger:  logger,
		brokers: make(map[string]*Broker),
		pools:   make(map[string]*WorkerPool),
	}
}

// ForCompany returns the company's broker, creating it on first use.
func (bs *Brokers) ForCompany(companyID string) *Broker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.brokers[companyID]
	if !ok {
		b = NewBroker(bs.client, companyID, bs.max)
		bs.brokers[companyID] = b
	}
	return b
}

// StartWorkers launches the company's worker pool if not already running.
func (bs *Brokers) StartWorkers(ctx context.Context, companyID string, handler Handler) {
	broker := bs.ForCompany(companyID)

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, running := bs.pools[companyID]; running {
		return
	}
	pool := NewWorkerPool(broker, handler, bs.cfg,
		bs.logger.With(zap.String("company", companyID)))
	pool.Start(ctx)
	bs.pools[companyID] = pool
	bs.logger.Info("worker pool started",
		zap.String("company", companyID),
		zap.Int("concurrency", bs.cfg.Concurrency))
}

// StopAll stops every running pool and waits for them to drain.
func (bs *Brokers) StopAll() {
	bs.mu.Lock()
	pools := make([]*WorkerPool, 0, len(bs.pools))
	for id, p := range bs.pools {
		pools = append(pools, p)
		delete(bs.pools, id)
	}
	bs.mu.Unlock()

	for _, p := range pools {
		p.Stop()
	}
}
