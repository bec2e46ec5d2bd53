// Package executor runs diagnostic queries against devices: it validates
// and renders the query, drives the device connection under an overall
// deadline, and parses the output.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eugenetaranov/lglass/internal/cache"
	"github.com/eugenetaranov/lglass/internal/connector"
	"github.com/eugenetaranov/lglass/internal/dialect"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/logging"
	"github.com/eugenetaranov/lglass/internal/parser"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

// TeardownGrace bounds how long a timed-out query waits for its connection
// to release the tunnel and session.
const TeardownGrace = 5 * time.Second

// State is a query's position in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateConnecting State = "connecting"
	StateExecuting  State = "executing"
	StateParsing    State = "parsing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Query is a command to run on one device.
type Query struct {
	Device  string            `json:"device"`
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// Outcome is the final record of one query.
type Outcome struct {
	ID    uuid.UUID
	Query Query

	// State is StateDone or StateFailed.
	State State

	// FailedIn is the state the query was in when it failed.
	FailedIn State

	Result  *parser.Result
	Err     error
	Elapsed time.Duration
	Cached  bool
}

// Runner executes a rendered command on a device. *connector.Connection
// is the production implementation.
type Runner interface {
	Run(ctx context.Context, req connector.Request) (*connector.Result, error)
}

// Executor dispatches queries. It holds only read-only state and is safe
// for concurrent use.
type Executor struct {
	config  *inventory.Config
	runner  Runner
	catalog *dialect.Catalog
	cache   cache.Cache
	timeout time.Duration
	lookup  func(platform, command string) parser.Parser
}

// Option configures an Executor.
type Option func(*Executor)

// WithCache stores successful results in c for the configured cache timeout.
func WithCache(c cache.Cache) Option {
	return func(e *Executor) {
		e.cache = c
	}
}

// WithTimeout overrides the configured request timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithParsers overrides how parsers are found. The default is parser.Lookup.
func WithParsers(lookup func(platform, command string) parser.Parser) Option {
	return func(e *Executor) {
		e.lookup = lookup
	}
}

// New creates an executor over a loaded configuration.
func New(cfg *inventory.Config, runner Runner, catalog *dialect.Catalog, opts ...Option) *Executor {
	e := &Executor{
		config:  cfg,
		runner:  runner,
		catalog: catalog,
		timeout: cfg.Params.Timeout(),
		lookup:  parser.Lookup,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.timeout <= 0 {
		e.timeout = time.Duration(inventory.DefaultRequestTimeout) * time.Second
	}
	return e
}

// Timeout returns the overall per-query deadline.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Dispatch runs q and returns its parsed result. Failures are a
// *scrapeerr.ScrapeError wrapping the classified cause, a
// *scrapeerr.CredentialError, or a *scrapeerr.TimeoutError.
func (e *Executor) Dispatch(ctx context.Context, q Query) (*parser.Result, error) {
	out := e.Execute(ctx, q)
	return out.Result, out.Err
}

// DispatchAll runs queries concurrently, at most limit at a time, and
// returns one outcome per query in input order. A failing query does not
// affect the others.
func (e *Executor) DispatchAll(ctx context.Context, queries []Query, limit int) []*Outcome {
	outcomes := make([]*Outcome, len(queries))

	g := new(errgroup.Group)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, q := range queries {
		g.Go(func() error {
			outcomes[i] = e.Execute(ctx, q)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// prepared is a query resolved against the configuration.
type prepared struct {
	device  *inventory.Device
	proxy   *inventory.Proxy
	command string
	parser  parser.Parser
}

func (e *Executor) prepare(q Query) (*prepared, error) {
	device, ok := e.config.Device(q.Device)
	if !ok {
		return nil, scrapeerr.InvalidQuery(q.Device, "device is not defined")
	}
	if !e.catalog.Supports(device.Platform, q.Command) {
		return nil, scrapeerr.InvalidQuery(device.Name, "platform '%s' does not support command '%s'", device.Platform, q.Command)
	}
	command, err := e.catalog.Render(device.Platform, q.Command, q.Args)
	if err != nil {
		return nil, scrapeerr.InvalidQuery(device.Name, "%v", err)
	}
	p := e.lookup(device.Platform, q.Command)
	if p == nil {
		return nil, scrapeerr.InvalidQuery(device.Name, "no parser for %s", parser.Key(device.Platform, q.Command))
	}

	prep := &prepared{device: device, command: command, parser: p}
	if device.Proxied() {
		// A missing proxy is reported by the connection as a tunnel failure.
		prep.proxy, _ = e.config.Proxy(device.Proxy)
	}
	return prep, nil
}

// tracker records state transitions made from the connection goroutine.
type tracker struct {
	mu    sync.Mutex
	state State
	log   *logrus.Entry
}

func (t *tracker) set(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.log.WithField("state", s).Debug("query state")
}

func (t *tracker) get() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Execute runs q and returns its outcome. It never panics on bad input and
// always returns a non-nil Outcome.
func (e *Executor) Execute(ctx context.Context, q Query) *Outcome {
	start := time.Now()
	out := &Outcome{ID: uuid.New(), Query: q, State: StatePending}
	log := logging.WithQuery(out.ID.String()).WithFields(logrus.Fields{
		"device":  q.Device,
		"command": q.Command,
	})
	track := &tracker{state: StatePending, log: log}

	finish := func(res *parser.Result, err error) *Outcome {
		out.Elapsed = time.Since(start)
		fields := logrus.Fields{"elapsed": out.Elapsed.Round(time.Millisecond).String(), "cached": out.Cached}
		if err != nil {
			out.State, out.FailedIn, out.Err = StateFailed, track.get(), err
			log.WithFields(fields).WithField("state", out.FailedIn).WithError(err).Warn("query failed")
			return out
		}
		out.State, out.Result = StateDone, res
		fields["routes"] = len(res.Routes)
		log.WithFields(fields).Info("query complete")
		return out
	}

	prep, err := e.prepare(q)
	if err != nil {
		return finish(nil, err)
	}

	key := cache.Key(prep.device.Name, q.Command, q.Args)
	if res := e.cached(ctx, key, log); res != nil {
		out.Cached = true
		return finish(res, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.run(ctx, prep, track, log)
	if err != nil {
		return finish(nil, err)
	}

	track.set(StateParsing)
	res, err := prep.parser.Parse(raw.Output)
	if err != nil {
		var pe *scrapeerr.ParseError
		if errors.As(err, &pe) {
			pe.Device = prep.device.Name
		} else {
			err = &scrapeerr.ParseError{
				Device:   prep.device.Name,
				Platform: prep.device.Platform,
				Command:  q.Command,
				Detail:   err.Error(),
			}
		}
		return finish(nil, &scrapeerr.ScrapeError{Device: prep.device.Name, Err: err})
	}

	e.store(ctx, key, res, log)
	return finish(res, nil)
}

type runResult struct {
	res *connector.Result
	err error
}

// run drives the connection in its own goroutine so an expired deadline is
// reported on time even if the connection is slow to notice it.
func (e *Executor) run(ctx context.Context, prep *prepared, track *tracker, log *logrus.Entry) (*connector.Result, error) {
	req := connector.Request{
		Device:  prep.device,
		Proxy:   prep.proxy,
		Command: prep.command,
		Timeout: e.timeout,
		OnStage: func(s connector.Stage) {
			switch s {
			case connector.StageConnecting:
				track.set(StateConnecting)
			case connector.StageExecuting:
				track.set(StateExecuting)
			}
		},
	}

	done := make(chan runResult, 1)
	go func() {
		res, err := e.runner.Run(ctx, req)
		done <- runResult{res: res, err: err}
	}()

	var rr runResult
	select {
	case rr = <-done:
	case <-ctx.Done():
		// The connection shares ctx; give it a bounded window to release
		// its tunnel and session before reporting.
		select {
		case rr = <-done:
		case <-time.After(TeardownGrace):
			log.Warn("connection did not release within grace period")
		}
		if rr.err == nil {
			// Output that arrives after the deadline is discarded.
			rr = runResult{err: ctx.Err()}
		}
	}

	if rr.err == nil {
		return rr.res, nil
	}
	return nil, e.classify(ctx, prep.device, track.get(), rr.err)
}

// classify maps a connection failure onto the public error types.
func (e *Executor) classify(ctx context.Context, device *inventory.Device, state State, err error) error {
	var (
		credErr    *scrapeerr.CredentialError
		timeoutErr *scrapeerr.TimeoutError
	)
	switch {
	case errors.As(err, &timeoutErr), errors.As(err, &credErr):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &scrapeerr.TimeoutError{Device: device.Name, Stage: string(state), Timeout: e.timeout, Err: err}
	case errors.Is(ctx.Err(), context.Canceled) && !isClassified(err):
		err = &scrapeerr.TransportError{
			Device:    device.Name,
			Transport: string(device.Transport),
			Reason:    scrapeerr.ReasonCanceled,
			Err:       err,
		}
	case !isClassified(err):
		err = &scrapeerr.TransportError{
			Device:    device.Name,
			Transport: string(device.Transport),
			Reason:    scrapeerr.Classify(err),
			Err:       err,
		}
	}
	return &scrapeerr.ScrapeError{Device: device.Name, Err: err}
}

func isClassified(err error) bool {
	return errors.Is(err, scrapeerr.ErrTunnel) || errors.Is(err, scrapeerr.ErrTransport) || errors.Is(err, scrapeerr.ErrParse)
}

func (e *Executor) cached(ctx context.Context, key string, log *logrus.Entry) *parser.Result {
	if e.cache == nil || e.config.Params.CacheTTL() <= 0 {
		return nil
	}
	res, err := e.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			log.WithError(err).Warn("cache read failed")
		}
		return nil
	}
	return res
}

func (e *Executor) store(ctx context.Context, key string, res *parser.Result, log *logrus.Entry) {
	if e.cache == nil || e.config.Params.CacheTTL() <= 0 {
		return
	}
	if err := e.cache.Set(ctx, key, res, e.config.Params.CacheTTL()); err != nil {
		log.WithError(err).Warn("cache write failed")
	}
}
