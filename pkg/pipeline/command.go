// Package pipeline is the command line of the pipeline populator. The stock
// binary knows no compute functions; a program that owns them builds its own
// binary by passing a Registry to Main or NewCommand.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vitebski/pipeline-populator/internal/analyzer"
	"github.com/vitebski/pipeline-populator/internal/cluster"
	"github.com/vitebski/pipeline-populator/internal/config"
	"github.com/vitebski/pipeline-populator/internal/connector"
	"github.com/vitebski/pipeline-populator/internal/generator"
	"github.com/vitebski/pipeline-populator/internal/populator"
	"github.com/vitebski/pipeline-populator/internal/relvar"
	"github.com/vitebski/pipeline-populator/internal/utils"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// ComputeFunc computes and inserts the rows of one key of a derived table
type ComputeFunc = populator.ComputeFunc

// GranularityFunc maps a key onto the group sharing one cache staging request
type GranularityFunc = populator.GranularityFunc

// LocateFunc returns the disk label and path holding the data of a group
type LocateFunc = populator.LocateFunc

// Computation describes how one derived table is filled
type Computation struct {
	Compute ComputeFunc
	// Source names the relation whose keys drive population. Empty selects the
	// single parent the table references through its primary key.
	Source string
	// Granularity and Locate enable the cache mode of populate
	Granularity GranularityFunc
	Locate      LocateFunc
}

// Registry maps table class names (or store names) to their computations
type Registry map[string]Computation

// lookup finds the computation registered for a table under either of its names
func (r Registry) lookup(table *models.Table) (Computation, bool) {
	if c, ok := r[table.Name]; ok {
		return c, true
	}
	c, ok := r[table.ClassName]
	return c, ok
}

// queue is what remote modes need from the job submission service
type queue interface {
	cluster.Scheduler
	cluster.Source
}

// app is the state shared by every command
type app struct {
	configPath string
	envFile    string
	logLevel   string
	host       string
	user       string
	password   string
	database   string
	port       string
	prefix     string

	registry Registry
	cfg      *config.Config
	logger   *logrus.Logger
	db       *connector.DatabaseConnector
	analyzer *analyzer.SchemaAnalyzer
	engine   *relvar.Engine
	redis    *redis.Client
	queue    queue
}

// Main runs the command line with the given computations and exits on error
func Main(registry Registry) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewCommand(registry).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// NewCommand builds the root command
func NewCommand(registry Registry) *cobra.Command {
	a := &app{registry: registry}
	rootCmd := &cobra.Command{
		Use:   "pipeline-populator",
		Short: "Manage the tables of a MySQL data pipeline",
		Long: `Pipeline Populator

Inspects a MySQL schema whose tables are organised in tiers (lookup, manual,
imported, computed), deletes rows together with everything derived from them,
reports job reservations and cache requests, seeds manual tables with synthetic
rows, and populates computed tables locally or through queued jobs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "config.yaml", "Path to YAML config file")
	flags.StringVarP(&a.envFile, "env-file", "e", ".env", "Path to .env file")
	flags.StringVarP(&a.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.StringVarP(&a.host, "host", "H", "", "MySQL host (default: localhost)")
	flags.StringVarP(&a.user, "user", "u", "", "MySQL user (default: root)")
	flags.StringVarP(&a.password, "password", "p", "", "MySQL password")
	flags.StringVarP(&a.database, "database", "d", "", "MySQL database name")
	flags.StringVarP(&a.port, "port", "P", "", "MySQL port (default: 3306)")
	flags.StringVar(&a.prefix, "prefix", "", "Table name prefix shared by the pipeline tables")

	rootCmd.AddCommand(
		a.analyzeCommand(),
		a.deleteCommand(),
		a.jobsCommand(),
		a.cacheCommand(),
		a.seedCommand(),
		a.populateCommand(),
		a.workerCommand(),
	)
	return rootCmd
}

// setup loads configuration, applies flag overrides, and connects
func (a *app) setup(cmd *cobra.Command) error {
	bootstrap := utils.SetupLogging(a.logLevel)
	utils.LoadEnvironmentVariables(a.envFile, bootstrap)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	// flags given on the command line win over config and environment
	overrides := map[string]*string{
		"host":     &cfg.MySQL.Host,
		"user":     &cfg.MySQL.User,
		"password": &cfg.MySQL.Password,
		"database": &cfg.MySQL.Database,
		"port":     &cfg.MySQL.Port,
		"prefix":   &cfg.Schema.Prefix,
	}
	values := map[string]string{
		"host": a.host, "user": a.user, "password": a.password,
		"database": a.database, "port": a.port, "prefix": a.prefix,
	}
	for name, field := range overrides {
		if cmd.Flags().Changed(name) {
			*field = values[name]
		}
	}
	if a.logLevel == "" {
		a.logLevel = cfg.LogLevel
	}
	a.cfg = cfg
	a.logger = utils.SetupLogging(a.logLevel)

	if !utils.ValidateConnectionParams(cfg.MySQL.Host, cfg.MySQL.User, cfg.MySQL.Password, cfg.MySQL.Database, cfg.MySQL.Port, a.logger) {
		return fmt.Errorf("invalid connection parameters")
	}

	a.db = connector.NewDatabaseConnector(cfg.MySQL.Host, cfg.MySQL.User, cfg.MySQL.Password, cfg.MySQL.Database, cfg.MySQL.Port, a.logger)
	a.db.InitStatement = cfg.MySQL.InitStatement
	a.db.StrictTransactions = cfg.MySQL.StrictTransactions
	if err := a.db.Connect(cmd.Context()); err != nil {
		a.logger.Errorf("Failed to connect to database: %v", err)
		return err
	}

	a.analyzer = analyzer.NewSchemaAnalyzer(a.db, cfg.Schema.Prefix, a.logger)
	a.engine = relvar.NewEngine(a.db, a.analyzer, a.logger)
	a.engine.Out = cmd.OutOrStdout()
	a.engine.Confirm = relvar.PromptConfirm(cmd.InOrStdin(), cmd.OutOrStdout())
	a.engine.Unattended = !cfg.Schema.SafeMode
	tolerance, err := decimal.NewFromString(cfg.Schema.DecimalTolerance)
	if err != nil {
		return fmt.Errorf("invalid decimal tolerance %q: %w", cfg.Schema.DecimalTolerance, err)
	}
	a.engine.DecimalTolerance = tolerance
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
		a.redis = nil
	}
	if a.db != nil {
		a.db.Disconnect()
	}
}

// jobQueue opens the Redis queue on first use
func (a *app) jobQueue(ctx context.Context) (queue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	client, err := cluster.NewRedisClient(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("the job queue is not configured; set REDIS_HOST")
	}
	a.redis = client
	a.queue = cluster.NewRedisScheduler(client, a.cfg.Redis.Queue, a.logger)
	return a.queue, nil
}

func (a *app) analyzeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Print the tiers, levels, and dependencies of the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := a.analyzer.Schema(cmd.Context())
			if err != nil {
				a.logger.Errorf("Failed to analyze schema: %v", err)
				return err
			}
			analyzer.PrintSchemaAnalysis(cmd.OutOrStdout(), schema)
			return nil
		},
	}
}

// restrictions builds the restrictions given by --where and --key flags
func restrictions(where, keys []string) ([]relvar.Restriction, error) {
	var rs []relvar.Restriction
	for _, cond := range where {
		rs = append(rs, relvar.Where(cond))
	}
	if len(keys) > 0 {
		key, err := parseKey(keys)
		if err != nil {
			return nil, err
		}
		rs = append(rs, relvar.ByKey(key))
	}
	return rs, nil
}

func (a *app) deleteCommand() *cobra.Command {
	var (
		where []string
		keys  []string
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "delete TABLE",
		Short: "Delete rows of a table together with every dependent row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, err := a.engine.Table(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rs, err := restrictions(where, keys)
			if err != nil {
				return err
			}
			if yes {
				a.engine.Unattended = true
			}

			summary, ok, err := rel.Restrict(rs...).Delete(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing deleted")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d rows from %d tables\n", summary.Total(), len(summary.Entries))
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "SQL condition restricting the rows (repeatable)")
	cmd.Flags().StringArrayVarP(&keys, "key", "k", nil, "Attribute value as name=value (repeatable)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Delete without asking for confirmation")
	return cmd
}

// parseKey turns name=value pairs into a key
func parseKey(pairs []string) (models.Key, error) {
	key := models.Key{}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid key %q, expected name=value", pair)
		}
		key[name] = value
	}
	return key, nil
}

func (a *app) jobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and clear job reservations",
	}

	var listStatus []string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List job reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := populator.NewJobTable(a.engine, a.cfg.MySQL.Database)
			records, err := jobs.List(cmd.Context(), statuses(listStatus)...)
			if err != nil {
				return err
			}
			utils.PrintJobs(cmd.OutOrStdout(), records)
			return nil
		},
	}
	listCmd.Flags().StringSliceVarP(&listStatus, "status", "s", nil, "Only list jobs with these statuses (reserved, error, done)")

	var clearStatus []string
	clearCmd := &cobra.Command{
		Use:   "clear TABLE",
		Short: "Remove job reservations of a table so its keys can be computed again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := populator.NewJobTable(a.engine, a.cfg.MySQL.Database)
			n, err := jobs.Clear(cmd.Context(), args[0], statuses(clearStatus)...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d jobs of %s\n", n, args[0])
			return nil
		},
	}
	clearCmd.Flags().StringSliceVarP(&clearStatus, "status", "s", []string{string(models.JobError)}, "Statuses to clear")

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func statuses(names []string) []models.JobStatus {
	out := make([]models.JobStatus, len(names))
	for i, n := range names {
		out[i] = models.JobStatus(n)
	}
	return out
}

func (a *app) cacheCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cache",
		Short: "Report cache requests and how many of their clients were served",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			requests := populator.NewCacheRequests(a.engine, a.cfg.MySQL.Database)
			list, err := requests.List(cmd.Context())
			if err != nil {
				return err
			}
			utils.PrintCacheRequests(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func (a *app) seedCommand() *cobra.Command {
	var (
		records    int
		seed       int64
		verify     bool
		minRecords int
	)
	cmd := &cobra.Command{
		Use:   "seed [TABLE...]",
		Short: "Fill manual and lookup tables with synthetic rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			gen := generator.NewDataGenerator(a.logger)
			if cmd.Flags().Changed("seed") {
				gen = generator.NewDataGeneratorWithSeed(seed, a.logger)
			}
			seeder := generator.NewSeeder(a.engine, gen, records, a.logger)

			targets, err := seeder.Targets(cmd.Context(), args...)
			if err != nil {
				return err
			}
			a.logger.Info("Starting seeding...")
			success, err := seeder.Seed(cmd.Context(), args...)
			if err != nil {
				return err
			}
			utils.PrintSeedSummary(cmd.OutOrStdout(), targets, seeder.Inserted, seeder.FailedTables)

			if verify {
				short, err := seeder.Verify(cmd.Context(), targets, minRecords)
				if err != nil {
					return err
				}
				utils.PrintVerificationResults(cmd.OutOrStdout(), short, minRecords)
				success = success && len(short) == 0
			}
			if !success {
				return fmt.Errorf("seeding incomplete")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&records, "records", "r", 10, "Number of records to generate per table")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed for reproducible rows")
	cmd.Flags().BoolVarP(&verify, "verify", "v", false, "Verify that every seeded table holds at least --min-records rows")
	cmd.Flags().IntVarP(&minRecords, "min-records", "n", 1, "Minimum number of records each table should have for verification")
	return cmd
}

// populateOptions are the flags of the populate command
type populateOptions struct {
	mode     string
	reserve  bool
	keepDone bool
	where    []string
	keys     []string
}

// source returns the relation whose keys drive the population of target
func (a *app) source(ctx context.Context, target *relvar.Relvar, comp Computation) (*relvar.Relvar, error) {
	if comp.Source != "" {
		return a.engine.Table(ctx, comp.Source)
	}
	schema, err := a.engine.Analyzer.Schema(ctx)
	if err != nil {
		return nil, err
	}
	var parents []string
	for _, edge := range schema.Graph.Parents(target.Table().ID()) {
		if edge.Kind == models.Hierarchical {
			parents = append(parents, edge.Parent)
		}
	}
	if len(parents) != 1 {
		return nil, fmt.Errorf("%s has %d primary parents; name the source of its computation", target.Table().Name, len(parents))
	}
	return relvar.New(a.engine, schema.Tables[parents[0]]), nil
}

// populate fills one derived table with the registered computation
func (a *app) populate(ctx context.Context, name string, po populateOptions) (*models.PopulationResult, error) {
	target, err := a.engine.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	comp, ok := a.registry.lookup(target.Table())
	if !ok || comp.Compute == nil {
		return nil, fmt.Errorf("no computation registered for %s", target.Table().Name)
	}
	source, err := a.source(ctx, target, comp)
	if err != nil {
		return nil, err
	}
	rs, err := restrictions(po.where, po.keys)
	if err != nil {
		return nil, err
	}

	schemaName := target.Table().Schema
	jobs := populator.NewJobTable(a.engine, schemaName)
	opts := populator.Options{
		Restrictions: rs,
		// remote workers release keys through the job table
		Reserve:  po.reserve || po.mode != "local",
		KeepDone: po.keepDone,
	}
	switch po.mode {
	case "local":
	case "direct":
		q, err := a.jobQueue(ctx)
		if err != nil {
			return nil, err
		}
		opts.Executor = populator.NewDirectExecutor(q, a.logger)
	case "cache":
		if comp.Locate == nil {
			return nil, fmt.Errorf("computation of %s has no locate function for the cache mode", target.Table().Name)
		}
		q, err := a.jobQueue(ctx)
		if err != nil {
			return nil, err
		}
		requests := populator.NewCacheRequests(a.engine, schemaName)
		if err := requests.Ensure(ctx); err != nil {
			return nil, err
		}
		opts.Executor = populator.NewCacheExecutor(q, requests, comp.Granularity, comp.Locate, a.logger)
	default:
		return nil, fmt.Errorf("unknown mode %q (local, direct, cache)", po.mode)
	}
	if opts.Reserve {
		if err := jobs.Ensure(ctx); err != nil {
			return nil, err
		}
	}

	return populator.NewAutoPopulator(target, source, comp.Compute, jobs, a.logger).Populate(ctx, opts)
}

func (a *app) populateCommand() *cobra.Command {
	var po populateOptions
	cmd := &cobra.Command{
		Use:   "populate TABLE",
		Short: "Compute the missing rows of a derived table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := a.populate(cmd.Context(), args[0], po)
			if result != nil {
				utils.PrintPopulationSummary(cmd.OutOrStdout(), result)
			}
			if err != nil {
				return err
			}
			if result.Failures() > 0 {
				return fmt.Errorf("%d keys of %s failed", result.Failures(), result.Table)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&po.mode, "mode", "m", "local", "Where keys are computed: local, direct (one queued job per key), or cache (staged groups)")
	cmd.Flags().BoolVar(&po.reserve, "reserve", false, "Reserve keys in the job table (always on for queued modes)")
	cmd.Flags().BoolVar(&po.keepDone, "keep-done", false, "Leave a done marker instead of removing the reservation")
	cmd.Flags().StringArrayVarP(&po.where, "where", "w", nil, "SQL condition restricting the source (repeatable)")
	cmd.Flags().StringArrayVarP(&po.keys, "key", "k", nil, "Source attribute value as name=value (repeatable)")
	return cmd
}

// register binds every computation to the store name its tasks arrive under
func (a *app) register(ctx context.Context, worker *populator.Worker) error {
	for name, comp := range a.registry {
		if comp.Compute == nil {
			continue
		}
		rel, err := a.engine.Table(ctx, name)
		if err != nil {
			return fmt.Errorf("computation %s: %w", name, err)
		}
		worker.Register(rel.Table().Name, comp.Compute)
	}
	return nil
}

func (a *app) workerCommand() *cobra.Command {
	var (
		once     bool
		keepDone bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued compute jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobs := populator.NewJobTable(a.engine, a.cfg.MySQL.Database)
			requests := populator.NewCacheRequests(a.engine, a.cfg.MySQL.Database)
			worker := populator.NewWorker(populator.NewLocalExecutor(a.db, a.logger), jobs, requests, a.logger)
			worker.KeepDone = keepDone
			if err := a.register(ctx, worker); err != nil {
				return err
			}
			if worker.Registered() == 0 {
				return fmt.Errorf("no computations are registered in this binary; build one with pipeline.Main")
			}

			q, err := a.jobQueue(ctx)
			if err != nil {
				return err
			}
			n, err := worker.Run(ctx, q, once)
			a.logger.Infof("Worker ran %d jobs", n)
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Stop when the queue is empty")
	cmd.Flags().BoolVar(&keepDone, "keep-done", false, "Leave a done marker instead of removing the reservation")
	return cmd
}
