// Package neo4j provides the GraphDriver implementation backed by a Neo4j
// server. Each round trip leases a pooled session and passes the graph
// backend's admission limiter first. Errors the native driver marks as
// retryable surface as TransientBackend coded errors.
package neo4j

import (
	"context"
	"fmt"
	"time"

	log "log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/metrics"
	"github.com/sharedcode/duet/pool"
	"github.com/sharedcode/duet/rate"
)

// backendName labels this driver's metrics and limiter series.
const backendName = "graph"

// acquireTimeout bounds pool and limiter admission waits. Past it the caller
// gets a ResourceExhausted error carrying a retry hint instead of queueing on.
const acquireTimeout = 30 * time.Second

// Options holds configuration for connecting to a Neo4j server.
type Options struct {
	// URI is the bolt/neo4j scheme address, e.g. "neo4j://localhost:7687".
	URI string
	// Username and Password authenticate against the server's native auth.
	Username string
	Password string
	// Database selects the database sessions run against. Empty means the
	// server's default database.
	Database string
	// Backend caps the session pool and admission rate.
	Backend duet.BackendOptions
	// Metrics receives pool gauges and limiter wait observations. Optional.
	Metrics *metrics.Registry
}

// DefaultOptions returns an Options with localhost defaults and modest caps.
func DefaultOptions() Options {
	return Options{
		URI:      "neo4j://localhost:7687",
		Username: "neo4j",
		Backend: duet.BackendOptions{
			MinPoolSize:   1,
			MaxPoolSize:   8,
			RatePerSecond: 200,
			Burst:         50,
		},
	}
}

// Driver implements duet.GraphDriver on a Neo4j server.
type Driver struct {
	driver   neo4j.DriverWithContext
	sessions *pool.Pool[neo4j.SessionWithContext]
	limiter  *rate.Limiter
	metrics  *metrics.Registry
	database string
}

// New connects to the server, verifies connectivity and warms the session pool.
func New(ctx context.Context, opts Options) (*Driver, error) {
	if opts.URI == "" {
		return nil, duet.Error{Code: duet.Validation, Err: fmt.Errorf("neo4j URI is required")}
	}
	applyDefaults(&opts.Backend)

	nd, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.Username, opts.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver for %s: %w", opts.URI, err)
	}
	if err := nd.VerifyConnectivity(ctx); err != nil {
		_ = nd.Close(ctx)
		return nil, classify(fmt.Errorf("verifying neo4j connectivity to %s: %w", opts.URI, err))
	}

	limiter, err := rate.New(backendName, opts.Backend.Burst, opts.Backend.RatePerSecond, acquireTimeout)
	if err != nil {
		_ = nd.Close(ctx)
		return nil, err
	}

	d := &Driver{
		driver:   nd,
		limiter:  limiter,
		metrics:  opts.Metrics,
		database: opts.Database,
	}
	d.sessions, err = pool.New(pool.Options{
		Name:           "pool/graph",
		MinSize:        opts.Backend.MinPoolSize,
		MaxSize:        opts.Backend.MaxPoolSize,
		IdleTTL:        opts.Backend.IdleTimeout,
		AcquireTimeout: acquireTimeout,
		HealthInterval: time.Minute,
	}, d.dialSession, probeSession, closeSession)
	if err != nil {
		_ = nd.Close(ctx)
		return nil, err
	}
	if err := d.sessions.Warm(ctx); err != nil {
		_ = d.Close(ctx)
		return nil, err
	}

	log.Info("Neo4j graph driver ready", "uri", opts.URI, "database", opts.Database, "maxPool", opts.Backend.MaxPoolSize)
	d.observeUp(true)
	return d, nil
}

func applyDefaults(b *duet.BackendOptions) {
	def := DefaultOptions().Backend
	if b.MaxPoolSize <= 0 {
		b.MaxPoolSize = def.MaxPoolSize
	}
	if b.MinPoolSize < 0 || b.MinPoolSize > b.MaxPoolSize {
		b.MinPoolSize = 0
	}
	if b.RatePerSecond <= 0 {
		b.RatePerSecond = def.RatePerSecond
	}
	if b.Burst <= 0 {
		b.Burst = def.Burst
	}
}

// dialSession opens a write session. Session creation is local bookkeeping in
// the native driver; connection problems show up on first use, which the
// pool's health probe covers.
func (d *Driver) dialSession(ctx context.Context) (neo4j.SessionWithContext, error) {
	return d.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: d.database,
	}), nil
}

func probeSession(ctx context.Context, sess neo4j.SessionWithContext) error {
	result, err := sess.Run(ctx, "RETURN 1", nil)
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}

func closeSession(ctx context.Context, sess neo4j.SessionWithContext) error {
	return sess.Close(ctx)
}

// Execute runs one Cypher statement and returns the fully consumed result.
// A failed round trip retires the leased session instead of returning it,
// since it may still carry a dangling result or a broken connection.
func (d *Driver) Execute(ctx context.Context, query string, params map[string]any) ([]duet.Record, error) {
	if err := d.admit(ctx); err != nil {
		return nil, err
	}
	lease, err := d.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	d.observePool()

	records, err := run(ctx, lease.Value(), query, params)
	if err != nil {
		lease.Discard(ctx)
		d.observePool()
		return nil, classify(err)
	}
	lease.Release()
	d.observePool()
	return records, nil
}

func run(ctx context.Context, sess neo4j.SessionWithContext, query string, params map[string]any) ([]duet.Record, error) {
	result, err := sess.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	var records []duet.Record
	for result.Next(ctx) {
		records = append(records, flatten(result.Record().Keys, result.Record().Values))
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// flatten converts one result row into a Record. Node and relationship values
// contribute their property maps, so a `RETURN n` row comes back as the
// node's properties rather than a nested driver type; scalar values keep
// their column name.
func flatten(keys []string, values []any) duet.Record {
	out := duet.Record{}
	for i, key := range keys {
		if i >= len(values) {
			break
		}
		switch v := values[i].(type) {
		case neo4j.Node:
			for name, prop := range v.Props {
				out[name] = prop
			}
		case neo4j.Relationship:
			for name, prop := range v.Props {
				out[name] = prop
			}
		default:
			out[key] = v
		}
	}
	return out
}

// Ping verifies a server round trip and records backend health.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.admit(ctx); err != nil {
		return err
	}
	if err := d.driver.VerifyConnectivity(ctx); err != nil {
		d.observeUp(false)
		return classify(err)
	}
	d.observeUp(true)
	return nil
}

// Close drains the session pool and closes the native driver.
func (d *Driver) Close(ctx context.Context) error {
	err := d.sessions.Close(ctx)
	if cerr := d.driver.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// Stats reports the session pool occupancy.
func (d *Driver) Stats() pool.Stats {
	return d.sessions.Stats()
}

// SetRate adjusts the admission limiter, e.g. to throttle while the backend drains.
func (d *Driver) SetRate(burst int, perSecond float64) error {
	return d.limiter.SetRate(burst, perSecond)
}

func (d *Driver) admit(ctx context.Context) error {
	start := duet.Now()
	if err := d.limiter.Acquire(ctx); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.LimiterWaitSeconds.WithLabelValues(backendName).Observe(duet.Now().Sub(start).Seconds())
	}
	return nil
}

func (d *Driver) observePool() {
	if d.metrics == nil {
		return
	}
	s := d.sessions.Stats()
	d.metrics.PoolOpen.WithLabelValues(backendName).Set(float64(s.Open))
	d.metrics.PoolLeased.WithLabelValues(backendName).Set(float64(s.Leased))
	d.metrics.PoolWaiting.WithLabelValues(backendName).Set(float64(s.Waiting))
}

func (d *Driver) observeUp(up bool) {
	if d.metrics == nil {
		return
	}
	val := 0.0
	if up {
		val = 1
	}
	d.metrics.BackendUp.WithLabelValues(backendName).Set(val)
}

// classify maps native driver failures onto coded errors. Only errors the
// driver itself marks retryable become TransientBackend; everything else
// passes through for the error handler to classify.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsRetryable(err) {
		return duet.Error{Code: duet.TransientBackend, Err: err}
	}
	return err
}
