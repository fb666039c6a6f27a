// Package database wires a ready-to-use coordinated pair: the graph and
// relational drivers, the deployment profile's cache and transaction log,
// metrics, the failure journal, health monitoring and the transaction
// coordinator itself. Applications that want control over individual pieces
// can build them directly and inject them through Options; everyone else
// calls New and begins transactions.
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "log/slog"

	"github.com/sharedcode/duet"
	_ "github.com/sharedcode/duet/cache" // registers the InMemory cache factory
	"github.com/sharedcode/duet/cassandra"
	"github.com/sharedcode/duet/coordinator"
	"github.com/sharedcode/duet/health"
	"github.com/sharedcode/duet/idmap"
	"github.com/sharedcode/duet/metrics"
	"github.com/sharedcode/duet/neo4j"
	"github.com/sharedcode/duet/postgres"
	"github.com/sharedcode/duet/redis"
	"github.com/sharedcode/duet/registry"
	"github.com/sharedcode/duet/sqlite"
	"github.com/sharedcode/duet/trace"
)

// defaultLogFilename backs the Standalone transaction log when the profile
// names no file.
const defaultLogFilename = "duet_tlog.db"

// Options configures the coordinated pair. Start from DefaultOptions and
// override endpoints, or fill the profile explicitly.
type Options struct {
	// Profile is the deployment profile: cache type, transaction log backing and
	// per backend pool and admission caps.
	Profile duet.DatabaseOptions

	// Neo4j is the graph backend endpoint. Backend caps and metrics are taken
	// from Profile, not from this field.
	Neo4j neo4j.Options
	// Postgres is the relational backend endpoint. Backend caps and metrics are
	// taken from Profile, not from this field.
	Postgres postgres.Options
	// Cassandra locates the clustered profile's transaction log cluster. The
	// keyspace comes from Profile.Keyspace.
	Cassandra cassandra.Config
	// Trace archives compensated and review flagged transaction traces to an
	// S3 compatible store. Empty disables archiving.
	Trace trace.Config
	// Health configures the resource and backend liveness monitor.
	Health health.Options

	// MaxTime bounds one transaction's commit round and its cross instance fence.
	MaxTime time.Duration
	// SweepInterval is the pause between abandoned transaction sweeps.
	SweepInterval time.Duration
	// Retention is how long finished transaction records stay queryable before
	// eviction; see coordinator.Options.
	Retention time.Duration
	// DisableLogging turns off transaction log writes; see coordinator.Options.
	DisableLogging bool

	// GraphDriver, RelationalDriver, Cache and TransactionLog, when non nil, are
	// used as-is instead of dialing the endpoints above. Meant for embedders with
	// already-built clients and for tests.
	GraphDriver      duet.GraphDriver
	RelationalDriver duet.RelationalDriver
	Cache            duet.Cache
	TransactionLog   duet.TransactionLog
	Archiver         trace.Archiver
}

// DefaultOptions returns a Standalone profile against localhost backends.
func DefaultOptions() Options {
	return Options{
		Profile: duet.DatabaseOptions{
			CacheType:   duet.InMemory,
			LogFilename: defaultLogFilename,
			Graph:       neo4j.DefaultOptions().Backend,
			Relational:  postgres.DefaultOptions().Backend,
		},
		Neo4j:    neo4j.DefaultOptions(),
		Postgres: postgres.DefaultOptions(),
		Health: health.Options{
			Interval:         30 * time.Second,
			FailureThreshold: 3,
			PingTimeout:      5 * time.Second,
		},
	}
}

// Database owns one coordinated pair and the shared infrastructure around it.
type Database struct {
	options Options

	coordinator *coordinator.Coordinator
	graph       duet.GraphDriver
	relational  duet.RelationalDriver
	cache       duet.Cache
	translog    duet.TransactionLog
	handler     *duet.ErrorHandler
	metrics     *metrics.Registry
	monitor     *health.Monitor
	archiver    trace.Archiver
	ids         *idmap.Service
	services    *registry.Registry

	// sqliteLog and clustered are remembered for teardown.
	sqliteLog *sqlite.TransactionLog
	clustered bool

	healthStop chan struct{}
	healthDone chan struct{}
	closeOnce  sync.Once
}

// New builds the pair per options, verifies backend connectivity and starts
// the health monitor. On any failure the partially built pieces are torn down.
func New(ctx context.Context, options Options) (*Database, error) {
	applyDefaults(&options)
	if err := options.Profile.Validate(); err != nil {
		return nil, err
	}

	m := metrics.New()
	handler := duet.NewErrorHandler()
	handler.OnRecord = func(rec duet.ErrorRecord) {
		m.ErrorRecordsTotal.WithLabelValues(rec.Code.String()).Inc()
	}

	db := &Database{
		options:    options,
		handler:    handler,
		metrics:    m,
		services:   registry.New(),
		healthStop: make(chan struct{}),
		healthDone: make(chan struct{}),
	}

	if err := db.build(ctx); err != nil {
		_ = db.Close(ctx)
		return nil, err
	}

	log.Info("database ready",
		"profile", options.Profile.GetDatabaseType(),
		"services", db.services.Names())
	return db, nil
}

func applyDefaults(options *Options) {
	def := DefaultOptions()
	if options.Profile.IsEmpty() {
		options.Profile.Graph = def.Profile.Graph
		options.Profile.Relational = def.Profile.Relational
	}
	if options.Profile.GetDatabaseType() == duet.Standalone && options.Profile.LogFilename == "" {
		options.Profile.LogFilename = defaultLogFilename
	}
	if options.Neo4j.URI == "" {
		options.Neo4j = def.Neo4j
	}
	if options.Postgres.ConnString == "" {
		options.Postgres = def.Postgres
	}
	if options.Health.Interval <= 0 {
		options.Health.Interval = def.Health.Interval
	}
	if options.Health.FailureThreshold <= 0 {
		options.Health.FailureThreshold = def.Health.FailureThreshold
	}
	if options.Health.PingTimeout <= 0 {
		options.Health.PingTimeout = def.Health.PingTimeout
	}
}

// build constructs each service through the registry, so construction is
// single flight per name and the built set is visible in Services.
func (db *Database) build(ctx context.Context) error {
	var err error
	db.cache, err = registry.GetOrCreateAs(db.services, "cache", func() (duet.Cache, error) {
		return db.buildCache(ctx)
	})
	if err != nil {
		return err
	}
	db.ids, err = registry.GetOrCreateAs(db.services, "idmap", func() (*idmap.Service, error) {
		return idmap.NewService(db.cache), nil
	})
	if err != nil {
		return err
	}
	db.translog, err = registry.GetOrCreateAs(db.services, "translog", func() (duet.TransactionLog, error) {
		return db.buildTransactionLog(ctx)
	})
	if err != nil {
		return err
	}
	db.graph, err = registry.GetOrCreateAs(db.services, "graph", func() (duet.GraphDriver, error) {
		if db.options.GraphDriver != nil {
			return db.options.GraphDriver, nil
		}
		opts := db.options.Neo4j
		opts.Backend = db.options.Profile.Graph
		opts.Metrics = db.metrics
		return neo4j.New(ctx, opts)
	})
	if err != nil {
		return err
	}
	db.relational, err = registry.GetOrCreateAs(db.services, "relational", func() (duet.RelationalDriver, error) {
		if db.options.RelationalDriver != nil {
			return db.options.RelationalDriver, nil
		}
		opts := db.options.Postgres
		opts.Backend = db.options.Profile.Relational
		opts.Metrics = db.metrics
		return postgres.New(ctx, opts)
	})
	if err != nil {
		return err
	}
	db.archiver, err = registry.GetOrCreateAs(db.services, "archiver", func() (trace.Archiver, error) {
		return db.buildArchiver(ctx)
	})
	if err != nil {
		return err
	}

	db.coordinator, err = coordinator.New(coordinator.Options{
		GraphDriver:      db.graph,
		RelationalDriver: db.relational,
		TransactionLog:   db.translog,
		Cache:            db.cache,
		Handler:          db.handler,
		Metrics:          db.metrics,
		Archiver:         db.archiver,
		MaxTime:          db.options.MaxTime,
		SweepInterval:    db.options.SweepInterval,
		Retention:        db.options.Retention,
		DisableLogging:   db.options.DisableLogging,
	})
	if err != nil {
		return err
	}
	db.services.Set("coordinator", db.coordinator)

	db.monitor, err = health.New(db.options.Health, nil)
	if err != nil {
		return err
	}
	db.monitor.RegisterPinger("graph", db.graph.Ping)
	db.monitor.RegisterPinger("relational", db.relational.Ping)
	db.monitor.RegisterPinger("cache", db.cache.Ping)
	db.monitor.Start()
	go db.observeHealth(db.options.Health.Interval)
	return nil
}

func (db *Database) buildCache(ctx context.Context) (duet.Cache, error) {
	if db.options.Cache != nil {
		return db.options.Cache, nil
	}
	profile := db.options.Profile
	if profile.GetDatabaseType() == duet.Clustered {
		cfg := profile.RedisConfig
		var err error
		if cfg.URL != "" {
			_, err = redis.OpenConnectionWithURL(cfg.URL)
		} else {
			_, err = redis.OpenConnection(redis.ToOptions(*cfg))
		}
		if err != nil {
			return nil, err
		}
		db.clustered = true
	}
	c := duet.NewCacheClient(duet.TransactionOptions{CacheType: profile.CacheType})
	if c == nil {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("no cache factory registered for cache type %d", profile.CacheType)}
	}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (db *Database) buildTransactionLog(ctx context.Context) (duet.TransactionLog, error) {
	if db.options.TransactionLog != nil {
		return db.options.TransactionLog, nil
	}
	profile := db.options.Profile
	if profile.GetDatabaseType() == duet.Clustered {
		cfg := db.options.Cassandra
		cfg.Keyspace = profile.Keyspace
		if _, err := cassandra.OpenConnection(cfg); err != nil {
			return nil, err
		}
		return cassandra.NewTransactionLog(db.cache), nil
	}
	tl, err := sqlite.NewTransactionLog(profile.LogFilename, db.cache)
	if err != nil {
		return nil, err
	}
	db.sqliteLog = tl
	return tl, nil
}

func (db *Database) buildArchiver(ctx context.Context) (trace.Archiver, error) {
	if db.options.Archiver != nil {
		return db.options.Archiver, nil
	}
	if db.options.Trace.IsEmpty() {
		return trace.NewNoopArchiver(), nil
	}
	client, err := trace.Connect(ctx, db.options.Trace)
	if err != nil {
		return nil, err
	}
	return trace.NewArchiver(client, db.options.Trace.Bucket)
}

// observeHealth mirrors the monitor's verdict into the Healthy gauge.
func (db *Database) observeHealth(interval time.Duration) {
	defer close(db.healthDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-db.healthStop:
			return
		case <-ticker.C:
			v := 0.0
			if db.monitor.Healthy() {
				v = 1
			}
			db.metrics.Healthy.Set(v)
		}
	}
}

// Coordinator returns the transaction engine. Most callers go through
// BeginTransaction instead.
func (db *Database) Coordinator() *coordinator.Coordinator {
	return db.coordinator
}

// Handler returns the failure journal shared by every component of this pair.
func (db *Database) Handler() *duet.ErrorHandler {
	return db.handler
}

// Metrics returns the prometheus registry of this pair.
func (db *Database) Metrics() *metrics.Registry {
	return db.metrics
}

// Monitor returns the health monitor.
func (db *Database) Monitor() *health.Monitor {
	return db.monitor
}

// Cache returns the coordination cache.
func (db *Database) Cache() duet.Cache {
	return db.cache
}

// IDMap returns the cross store identifier directory, backed by the same
// cache as the coordinator's fences.
func (db *Database) IDMap() *idmap.Service {
	return db.ids
}

// Archiver returns the failed-transaction trace archive.
func (db *Database) Archiver() trace.Archiver {
	return db.archiver
}

// Services returns the names of the wired services, unordered.
func (db *Database) Services() []string {
	return db.services.Names()
}

// Healthy reports whether every backend passed its latest liveness check.
func (db *Database) Healthy() bool {
	return db.monitor.Healthy()
}

// RecoverPending drains transactions left non-terminal by a crash. Call it at
// startup, before serving traffic.
func (db *Database) RecoverPending(ctx context.Context) error {
	return db.coordinator.RecoverPending(ctx)
}

// BeginTransaction registers a transaction and returns its handle. An empty id
// gets a generated one.
func (db *Database) BeginTransaction(ctx context.Context, tid string) (*Transaction, error) {
	if tid == "" {
		tid = duet.NewUUID().String()
	}
	if err := db.coordinator.Begin(ctx, tid); err != nil {
		return nil, err
	}
	return &Transaction{db: db, tid: tid}, nil
}

// Close stops the monitor and background loops, then releases every backend
// connection. Safe to call on a partially built pair; later calls are no-ops.
func (db *Database) Close(ctx context.Context) error {
	var lastErr error
	db.closeOnce.Do(func() {
		lastErr = db.close(ctx)
	})
	return lastErr
}

func (db *Database) close(ctx context.Context) error {
	var lastErr error
	if db.monitor != nil {
		if err := db.monitor.Close(); err != nil {
			lastErr = err
		}
		close(db.healthStop)
		<-db.healthDone
	}
	if db.coordinator != nil {
		// The coordinator closes both participant drivers.
		if err := db.coordinator.Close(ctx); err != nil {
			lastErr = err
		}
	} else {
		// The coordinator was never built; close whatever drivers were.
		if db.graph != nil {
			_ = db.graph.Close(ctx)
		}
		if db.relational != nil {
			_ = db.relational.Close(ctx)
		}
	}
	if db.sqliteLog != nil {
		if err := db.sqliteLog.Close(); err != nil {
			lastErr = err
		}
	}
	if db.clustered {
		cassandra.CloseConnection()
		if err := redis.CloseConnection(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Transaction is the caller-facing handle over one coordinated transaction.
type Transaction struct {
	db  *Database
	tid string
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() string {
	return t.tid
}

// PrepareGraph captures rollback payloads then stages ops on the graph store.
func (t *Transaction) PrepareGraph(ctx context.Context, ops []duet.Operation) error {
	return t.db.coordinator.PrepareGraph(ctx, t.tid, ops)
}

// PrepareRelational captures rollback payloads then stages ops on the relational store.
func (t *Transaction) PrepareRelational(ctx context.Context, ops []duet.Operation) error {
	return t.db.coordinator.PrepareRelational(ctx, t.tid, ops)
}

// Commit lands both participants, graph first. The returned status is terminal
// once the commit round has run; on a rejected call it is advisory, see
// duet.Coordinator.
func (t *Transaction) Commit(ctx context.Context) (duet.Status, error) {
	return t.db.coordinator.CommitAll(ctx, t.tid)
}

// Rollback undoes staged work. The returned status is terminal on success.
func (t *Transaction) Rollback(ctx context.Context) (duet.Status, error) {
	return t.db.coordinator.RollbackAll(ctx, t.tid)
}

// Status reports the transaction's current state.
func (t *Transaction) Status(ctx context.Context) (duet.Status, error) {
	return t.db.coordinator.GetStatus(ctx, t.tid)
}
