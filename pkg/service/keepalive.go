package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
)

// DefaultIdleThreshold is how long a session may stay unused before it is
// refreshed ahead of the next call.
const DefaultIdleThreshold = 14 * time.Minute

// keepAlive refreshes the session of a service that has been idle for too
// long before forwarding the next query or write call.
type keepAlive struct {
	DataService
	clock clockwork.Clock
	idle  time.Duration
	name  string
	log   *logger.Logger

	mu   sync.Mutex
	last time.Time
}

// WithKeepAlive wraps svc with an idle guard. Services that do not implement
// Pinger are returned unchanged.
func WithKeepAlive(svc DataService, name string, clock clockwork.Clock, idle time.Duration, log *logger.Logger) DataService {
	if _, ok := svc.(Pinger); !ok {
		return svc
	}
	if idle <= 0 {
		idle = DefaultIdleThreshold
	}
	return &keepAlive{DataService: svc, clock: clock, idle: idle, name: name, log: log, last: clock.Now()}
}

func (k *keepAlive) touch(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if idle := k.clock.Since(k.last); idle >= k.idle {
		k.log.Infof("Session %s idle for %s, refreshing", k.name, idle.Round(time.Second))
		if err := k.DataService.(Pinger).Ping(ctx); err != nil {
			return fmt.Errorf("failed to refresh session %s: %w", k.name, err)
		}
	}
	k.last = k.clock.Now()
	return nil
}

func (k *keepAlive) done() {
	k.mu.Lock()
	k.last = k.clock.Now()
	k.mu.Unlock()
}

func (k *keepAlive) Describe(ctx context.Context, object string) (*Description, error) {
	if err := k.touch(ctx); err != nil {
		return nil, err
	}
	defer k.done()
	return k.DataService.Describe(ctx, object)
}

func (k *keepAlive) Query(ctx context.Context, object string, fields []string, filter string) (Cursor, error) {
	if err := k.touch(ctx); err != nil {
		return nil, err
	}
	defer k.done()
	return k.DataService.Query(ctx, object, fields, filter)
}

func (k *keepAlive) Create(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error) {
	if err := k.touch(ctx); err != nil {
		return nil, err
	}
	defer k.done()
	return k.DataService.Create(ctx, object, records)
}

func (k *keepAlive) Update(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error) {
	if err := k.touch(ctx); err != nil {
		return nil, err
	}
	defer k.done()
	return k.DataService.Update(ctx, object, records)
}

func (k *keepAlive) Upsert(ctx context.Context, object, externalIDField string, records []*common.Record) ([]common.SaveResult, error) {
	if err := k.touch(ctx); err != nil {
		return nil, err
	}
	defer k.done()
	return k.DataService.Upsert(ctx, object, externalIDField, records)
}

func (k *keepAlive) Delete(ctx context.Context, object string, ids []string) ([]common.SaveResult, error) {
	if err := k.touch(ctx); err != nil {
		return nil, err
	}
	defer k.done()
	return k.DataService.Delete(ctx, object, ids)
}
