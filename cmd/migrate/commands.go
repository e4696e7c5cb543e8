package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/config"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/connect"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/metrics"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/migration"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// options are the flags shared by every command
type options struct {
	configPath  string
	mappingPath string
	operation   string
	threads     int
	logLevel    string
	metricsAddr string
}

func (o *options) bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "migration_config.json", "Path to configuration file")
	flags.StringVar(&o.mappingPath, "mapping", "", "Path to the object relationship description (overrides mappingFile)")
	flags.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// load reads the configuration, applies flag overrides and builds the graph
func (o *options) load(cmd *cobra.Command, log *logger.Logger) (*config.Config, *graph.Graph, error) {
	cfg, err := o.loadConfig(cmd, log)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MappingFile == "" {
		return nil, nil, fmt.Errorf("no relationship description: set mappingFile or --mapping")
	}

	g, err := graph.LoadFile(cfg.MappingFile)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("Loaded %d object(s) from %s, relation kind %s", len(g.Objects), cfg.MappingFile, g.Kind)
	return cfg, g, nil
}

// loadConfig reads the configuration and applies flag overrides
func (o *options) loadConfig(cmd *cobra.Command, log *logger.Logger) (*config.Config, error) {
	log.Info("Loading configuration...")
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("mapping") {
		cfg.MappingFile = o.mappingPath
	}
	if flags.Changed("operation") {
		cfg.Operation = o.operation
	}
	if flags.Changed("threads") {
		cfg.ThreadCount = o.threads
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newRunCmd(opts *options, log *logger.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Migrate the records described by the mapping, or delete them from the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, g, err := opts.load(cmd, log)
			if err != nil {
				return err
			}

			collector := metrics.New()
			if cfg.MetricsAddr != "" {
				go func() {
					if err := collector.Serve(ctx, cfg.MetricsAddr, log); err != nil {
						log.Errorf("Metrics server stopped: %v", err)
					}
				}()
			}

			session, err := connect.Open(ctx, cfg, clockwork.NewRealClock(), log)
			if err != nil {
				return err
			}

			startTime := time.Now()
			report, err := migration.New(session, g, migration.OptionsFromConfig(cfg), log, collector).Run(ctx)
			if err != nil {
				return err
			}

			duration := time.Since(startTime)
			log.Infof("Migration completed in %.2f seconds, %d record(s) failed", duration.Seconds(), report.Failed())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.operation, "operation", config.OperationCreate, "Operation: create or delete")
	cmd.Flags().IntVar(&opts.threads, "threads", config.DefaultThreadCount, "Number of write workers")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Address serving Prometheus metrics, e.g. :9090")
	return cmd
}

func newValidateCmd(opts *options, log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Compare record counts and list source records missing from the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, log, func(ctx context.Context, session *service.Session, g *graph.Graph) error {
				results, err := migration.Validate(ctx, session, g, log)
				if err != nil {
					return err
				}
				failed := 0
				for _, v := range results {
					if !v.OK() {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d object(s) failed validation", failed)
				}
				log.Infof("All %d object(s) validated", len(results))
				return nil
			})
		},
	}
}

func newCompareCmd(opts *options, log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "compare",
		Short: "Report fields present on one side only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, log, func(ctx context.Context, session *service.Session, g *graph.Graph) error {
				sets, err := migration.Compare(ctx, session, g, log)
				if err != nil {
					return err
				}
				drifted := 0
				for _, s := range sets {
					if s.Drifted() {
						drifted++
					}
				}
				log.Infof("%d of %d object(s) differ", drifted, len(sets))
				return nil
			})
		},
	}
}

func newGenerateCmd(opts *options, log *logger.Logger) *cobra.Command {
	var (
		objects    []string
		lookupKeys []string
		side       string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Derive a relationship description from the described references of objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			genOpts := migration.GenerateOptions{Objects: objects, LookupKeys: lookupKeys}
			switch side {
			case "source":
				genOpts.Side = service.Source
			case "target":
				genOpts.Side = service.Target
			default:
				return fmt.Errorf("invalid side %q: use source or target", side)
			}

			ctx := cmd.Context()
			cfg, err := opts.loadConfig(cmd, log)
			if err != nil {
				return err
			}
			return openSession(ctx, cfg, log, func(session *service.Session) error {
				desc, err := migration.Generate(ctx, session.Catalog, genOpts, log)
				if err != nil {
					return err
				}
				return writeDescription(cmd.OutOrStdout(), output, desc)
			})
		},
	}
	cmd.Flags().StringSliceVar(&objects, "objects", nil, "Comma separated objects to describe, parents first")
	cmd.Flags().StringSliceVar(&lookupKeys, "lookup-keys", []string{migration.DefaultLookupKey}, "Match fields written into generated lookups")
	cmd.Flags().StringVar(&side, "side", "target", "Side whose metadata is read: source or target")
	cmd.Flags().StringVar(&output, "output", "", "Write the description to this .json or .yaml file instead of stdout")
	return cmd
}

func newExportCmd(opts *options, log *logger.Logger) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the source records of the mapped objects to <Object>.json files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, log, func(ctx context.Context, session *service.Session, g *graph.Graph) error {
				counts, err := migration.Export(ctx, session.Source, g, dir, log)
				if err != nil {
					return err
				}
				total := 0
				for _, n := range counts {
					total += n
				}
				log.Infof("Exported %d record(s) of %d object(s) to %s", total, len(counts), dir)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "export", "Directory receiving the record files")
	return cmd
}

// withSession opens a single threaded session for a read only command
func withSession(cmd *cobra.Command, opts *options, log *logger.Logger, fn func(context.Context, *service.Session, *graph.Graph) error) error {
	ctx := cmd.Context()
	cfg, g, err := opts.load(cmd, log)
	if err != nil {
		return err
	}
	return openSession(ctx, cfg, log, func(session *service.Session) error {
		return fn(ctx, session, g)
	})
}

func openSession(ctx context.Context, cfg *config.Config, log *logger.Logger, fn func(*service.Session) error) error {
	cfg.ThreadCount = 1
	session, err := connect.Open(ctx, cfg, clockwork.NewRealClock(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(context.WithoutCancel(ctx)); err != nil {
			log.Errorf("Error closing connections: %v", err)
		}
	}()
	return fn(session)
}

// writeDescription encodes desc as YAML for .yaml and .yml paths, JSON
// otherwise. An empty path writes JSON to w.
func writeDescription(w io.Writer, path string, desc graph.Description) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(desc)
	default:
		data, err = json.MarshalIndent(desc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode description: %w", err)
	}
	if path == "" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
