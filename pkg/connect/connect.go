// Package connect opens the data services of a run from its configuration.
package connect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/config"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/db"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/es"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service/memstore"
)

// opener opens one connection to an endpoint
type opener func(ctx context.Context, ep config.EndpointConfig, name string, log *logger.Logger) (service.DataService, error)

var openers = map[string]opener{
	config.TypeMongoDB:       openMongoDB,
	config.TypeElasticsearch: openElasticsearch,
	config.TypeFile:          openFile,
}

var newBackoff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	b.Reset()
	return b
}

// Open connects to the source and target of cfg and builds the run session.
// One extra target connection is opened per write worker when the thread
// count is above one. Every connection that supports it is kept alive.
func Open(ctx context.Context, cfg *config.Config, clock clockwork.Clock, log *logger.Logger) (*service.Session, error) {
	idle := time.Duration(cfg.SessionIdleMinutes) * time.Minute

	var opened []service.DataService
	open := func(ep config.EndpointConfig, name string) (service.DataService, error) {
		svc, err := dial(ctx, ep, name, log)
		if err != nil {
			return nil, err
		}
		opened = append(opened, svc)
		return service.WithKeepAlive(svc, name, clock, idle, log), nil
	}
	fail := func(err error) (*service.Session, error) {
		for _, svc := range opened {
			_ = svc.Close(context.WithoutCancel(ctx))
		}
		return nil, err
	}

	source, err := open(cfg.Source, "source")
	if err != nil {
		return fail(err)
	}
	target, err := open(cfg.Target, "target")
	if err != nil {
		return fail(err)
	}

	var workers []service.DataService
	if cfg.ThreadCount > 1 {
		for i := 0; i < cfg.ThreadCount; i++ {
			w, err := open(cfg.Target, fmt.Sprintf("target-%d", i))
			if err != nil {
				return fail(err)
			}
			workers = append(workers, w)
		}
	}

	log.Infof("Opened %d connection(s): %s source, %s target, %d worker(s)", len(opened), cfg.Source.Type, cfg.Target.Type, len(workers))
	return service.NewSession(source, target, workers, cfg.SystemFields), nil
}

// dial opens one connection, retrying transient failures with backoff
func dial(ctx context.Context, ep config.EndpointConfig, name string, log *logger.Logger) (service.DataService, error) {
	fn, ok := openers[ep.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported endpoint type %q", ep.Type)
	}

	attempt := 0
	svc, err := backoff.RetryWithData(func() (service.DataService, error) {
		attempt++
		svc, err := fn(ctx, ep, name, log)
		if err == nil {
			return svc, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, errPermanent) {
			return nil, backoff.Permanent(err)
		}
		log.Warnf("Connecting %s failed (attempt %d): %v", name, attempt, err)
		return nil, err
	}, backoff.WithContext(newBackoff(), ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s: %w", name, err)
	}
	return svc, nil
}

// errPermanent marks connection errors that retrying cannot fix
var errPermanent = errors.New("permanent")

func openMongoDB(ctx context.Context, ep config.EndpointConfig, name string, log *logger.Logger) (service.DataService, error) {
	m, err := db.NewMongoDB(ctx, ep.ConnectionString, ep.Database, ep.SubtypeCollection, log)
	if err != nil {
		return nil, err
	}
	log.Infof("Connected %s to MongoDB database %s", name, m.GetDatabaseName())
	return m, nil
}

func openElasticsearch(ctx context.Context, ep config.EndpointConfig, name string, log *logger.Logger) (service.DataService, error) {
	tlsConfig := &es.TLSConfig{
		Enabled:                ep.TLS,
		CACertPath:             ep.CACertPath,
		SkipVerify:             ep.SkipVerify,
		CertificateFingerprint: ep.CertificateFingerprint,
		ConnectionTimeout:      ep.ConnectionTimeout,
		ResponseTimeout:        ep.ResponseTimeout,
	}
	return es.NewElasticsearchClient(ctx, ep.Addresses, ep.Username, ep.Password, ep.APIKey, ep.IndexPrefix, tlsConfig, log)
}

func openFile(ctx context.Context, ep config.EndpointConfig, name string, log *logger.Logger) (service.DataService, error) {
	store, err := memstore.LoadDir(ep.Directory)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPermanent, err)
	}
	log.Infof("Loaded %s records from %s", name, ep.Directory)
	return store.Connect(name), nil
}
