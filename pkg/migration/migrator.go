// Package migration drives one run over a relationship graph: it reads the
// source records of every object, shapes them for the target, writes them
// with the bulk engine and reports what could not be migrated.
package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/config"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/metrics"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/pairing"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/transform"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/writer"
)

// Options holds the run parameters
type Options struct {
	// Operation is config.OperationCreate or config.OperationDelete
	Operation string
	Writer    writer.Config

	// DeletePasses bounds the number of delete passes; a new pass runs only
	// while records remain on the target.
	DeletePasses     int
	DeleteRetryDelay time.Duration

	// Masker replaces masked values; nil selects the format preserving one.
	Masker transform.Masker
}

// OptionsFromConfig derives the run options from the application config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Operation: cfg.Operation,
		Writer: writer.Config{
			BatchSize:      cfg.BatchSize,
			SingleThreaded: cfg.SingleThreadedObjects,
		},
		DeletePasses:     cfg.DeletePasses,
		DeleteRetryDelay: time.Duration(cfg.DeleteRetryDelayMs) * time.Millisecond,
	}
}

// Migrator runs the state machine of one migration. It is used by a single
// goroutine; only the bulk writes fan out.
type Migrator struct {
	session *service.Session
	graph   *graph.Graph
	opts    Options
	log     *logger.Logger
	entry   *logrus.Entry

	registry    *pairing.Registry
	transformer *transform.Transformer
	engine      *writer.Engine
	strategy    strategy

	schemas   map[string]*transform.Schema
	refreshed map[string]bool
	report    *Report
}

// New creates a migrator over an open session. collector may be nil.
func New(session *service.Session, g *graph.Graph, opts Options, log *logger.Logger, collector *metrics.Collector) *Migrator {
	if opts.Operation == "" {
		opts.Operation = config.OperationCreate
	}
	registry := pairing.NewRegistry()
	m := &Migrator{
		session:     session,
		graph:       g,
		opts:        opts,
		log:         log,
		registry:    registry,
		transformer: transform.New(g, registry, opts.Masker, log),
		engine:      writer.New(session, opts.Writer, log, collector),
		schemas:     make(map[string]*transform.Schema),
		refreshed:   make(map[string]bool),
	}
	m.strategy = m.strategyFor(g.Kind)
	return m
}

// Run executes the migration and closes the session. The report is returned
// even when the run stops early.
func (m *Migrator) Run(ctx context.Context) (*Report, error) {
	m.report = newReport(uuid.NewString(), m.graph.Kind, m.opts.Operation)
	m.entry = m.log.WithRun(m.report.RunID)
	m.entry.Infof("Starting %s run of %d object(s), relation kind %s", m.opts.Operation, len(m.graph.Primary()), m.graph.Kind)

	err := m.execute(ctx)

	m.report.Finished = time.Now()
	m.report.Log(m.log)

	if cerr := m.disconnect(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return m.report, err
}

func (m *Migrator) execute(ctx context.Context) error {
	if err := m.setup(ctx); err != nil {
		return err
	}
	if m.opts.Operation == config.OperationDelete {
		return m.deleteAll(ctx)
	}

	defer m.cleanup()
	if err := m.strategy.query(ctx); err != nil {
		return err
	}
	return m.insert(ctx)
}

// setup describes every object on both sides and computes the fields they
// share. The delete operation only needs the target side.
func (m *Migrator) setup(ctx context.Context) error {
	catalog := m.session.Catalog
	for _, d := range m.graph.Objects {
		if _, ok := m.schemas[d.Name]; ok {
			continue
		}
		if m.opts.Operation == config.OperationDelete {
			if d.Lookup {
				continue
			}
			tgt, err := catalog.Metadata(ctx, service.Target, d.Name)
			if err != nil {
				return err
			}
			m.schemas[d.Name] = &transform.Schema{Target: tgt}
			continue
		}

		src, err := catalog.Metadata(ctx, service.Source, d.Name)
		if err != nil {
			return err
		}
		tgt, err := catalog.Metadata(ctx, service.Target, d.Name)
		if err != nil {
			return err
		}
		if tgt.Schemaless {
			m.log.WithObject(d.Name).Info("Target has no schema, carrying every source field")
		}
		fields, err := catalog.CommonFields(ctx, d.Name)
		if err != nil {
			return err
		}
		if fields.Drifted() {
			m.log.WithObject(d.Name).WithFields(logrus.Fields{
				"sourceOnly": fields.SourceOnly,
				"targetOnly": fields.TargetOnly,
			}).Warn("Fields differ between source and target, migrating the common ones")
		}
		m.schemas[d.Name] = &transform.Schema{Source: src, Target: tgt, Fields: fields}
	}
	m.entry.Debugf("Described %d object(s)", len(m.schemas))
	return nil
}

func (m *Migrator) cleanup() {
	m.registry.Clear()
	m.refreshed = make(map[string]bool)
}

func (m *Migrator) disconnect(ctx context.Context) error {
	if err := m.session.Close(ctx); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	m.entry.Info("Disconnected")
	return nil
}
