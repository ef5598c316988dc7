// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devioarts/asyncrpc/lib/clock"
	"github.com/devioarts/asyncrpc/lib/netutil"
)

// Options configures a Broker.
type Options struct {
	// Config is the start-time tunable contract. Zero-valued
	// tunables take their defaults; Port is required.
	Config Config

	// Registry supplies the method handlers. Required. The broker
	// snapshots it at construction; later mutations are not seen.
	Registry *Registry

	// Logger is the structured logger. Required.
	Logger *slog.Logger

	// Clock defaults to clock.Real(). Tests inject clock.Fake.
	Clock clock.Clock
}

// Broker wires the admission gate, the TTL store, and the dispatcher
// behind the HTTP protocol surface. Construct with New, then either
// run Serve or mount Handler on an existing server.
type Broker struct {
	cfg      Config
	logger   *slog.Logger
	clk      clock.Clock
	handlers map[string]Handler

	store   *store
	adm     *admission
	metrics *brokerMetrics

	startedAt time.Time

	// execCtx parents every handler invocation; cancelled when the
	// broker shuts down so in-flight work stops draining.
	execCtx    context.Context
	execCancel context.CancelFunc

	// ready closes once the listener is bound (Serve only).
	ready chan struct{}
	addr  net.Addr
}

// New constructs a Broker. Panics if Registry or Logger is missing
// (programming errors); returns an error for invalid configuration
// (data errors).
func New(options Options) (*Broker, error) {
	if options.Registry == nil {
		panic("broker.New: Registry is required")
	}
	if options.Logger == nil {
		panic("broker.New: Logger is required")
	}

	cfg := options.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("broker config: %w", err)
	}

	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}

	b := &Broker{
		cfg:       cfg,
		logger:    options.Logger,
		clk:       clk,
		handlers:  options.Registry.snapshot(),
		startedAt: clk.Now(),
		ready:     make(chan struct{}),
	}
	b.execCtx, b.execCancel = context.WithCancel(context.Background())
	b.adm = newAdmission(cfg, clk)
	b.metrics = newBrokerMetrics(b.startedAt)
	b.store = newStore(clk, cfg.resultTTL(0), func(request *pendingRequest) {
		request.cancel()
		b.adm.release(request.Method, request.SourceIP)
	})
	return b, nil
}

// Ready returns a channel that closes once Serve has bound its
// listener and is accepting connections.
func (b *Broker) Ready() <-chan struct{} { return b.ready }

// Addr returns the resolved listen address. Only valid after Ready()
// is closed. With Port configured as a fixed value this is
// ":<port>" resolved; useful mostly for logging.
func (b *Broker) Addr() net.Addr { return b.addr }

// Serve listens on the configured port and blocks until ctx is
// cancelled, then shuts down gracefully: the listener stops accepting,
// in-flight HTTP requests get a bounded drain, and handler contexts
// are cancelled.
func (b *Broker) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", b.cfg.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", b.cfg.Port, err)
	}
	b.addr = listener.Addr()
	close(b.ready)
	defer b.execCancel()

	server := &http.Server{
		Handler: b.Handler(),

		// Bodies are capped at maxBodyBytes and responses are small
		// JSON, but long-polls legitimately hold the connection, so
		// the write timeout must exceed the await budget.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Duration(b.cfg.AwaitTimeoutMs)*time.Millisecond + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	b.logger.Info("broker listening", "address", b.addr.String())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		b.logger.Info("broker shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		b.sweepLoop(groupCtx)
		return nil
	})

	err = group.Wait()
	b.logger.Info("broker stopped")
	return err
}

// sweepLoop drives the periodic expiry sweep. The same sweep is also
// run opportunistically by the store on put, so this loop is the
// backstop that bounds state lifetime when nobody is submitting.
func (b *Broker) sweepLoop(ctx context.Context) {
	ticker := b.clk.NewTicker(b.cfg.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runSweep()
		}
	}
}

func (b *Broker) runSweep() {
	now := b.clk.Now()
	expiredRequests, evictedResults := b.store.sweep(now)
	b.adm.sweepIdle(now)
	b.metrics.sweep(expiredRequests, evictedResults)
	if expiredRequests > 0 {
		b.logger.Debug("sweep expired pending requests", "count", expiredRequests)
	}
}

// submitRequest is one submission payload, from POST /rpc or one item
// of POST /rpc/batch.
type submitRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`

	// RequestTtlMs and ResultTtlMs override the configured defaults,
	// clamped to the configured maxima.
	RequestTtlMs int `json:"requestTtlMs,omitempty"`
	ResultTtlMs  int `json:"resultTtlMs,omitempty"`
}

// submit runs one submission through admission and, on acceptance,
// creates the pending request and dispatches it. Returns nil exactly
// when the request was accepted; rejections have no side effects.
func (b *Broker) submit(request submitRequest, sourceIP string) *Error {
	if request.ID == "" {
		return NewError(KindBadRequest, "id is required")
	}
	if request.Method == "" {
		return NewError(KindBadRequest, "method is required")
	}

	if admissionErr := b.adm.admit(request.Method, sourceIP); admissionErr != nil {
		b.metrics.reject(admissionErr.Kind)
		return admissionErr
	}

	ctx, cancel := context.WithCancel(b.execCtx)
	pending := &pendingRequest{
		ID:          request.ID,
		Method:      request.Method,
		Params:      request.Params,
		SourceIP:    sourceIP,
		SubmittedAt: b.clk.Now(),
		TTL:         b.cfg.requestTTL(request.RequestTtlMs),
		ResultTTL:   b.cfg.resultTTL(request.ResultTtlMs),
		cancel:      cancel,
	}
	if err := b.store.putPending(pending); err != nil {
		cancel()
		b.adm.release(request.Method, sourceIP)
		conflictErr := asError(err)
		b.metrics.reject(conflictErr.Kind)
		return conflictErr
	}

	b.metrics.accept()
	b.dispatch(ctx, pending)
	return nil
}

// cancel transitions a pending id to cancelled. Already-terminal ids
// are a no-op returning the existing state; unknown ids report
// KindUnknown.
func (b *Broker) cancel(id string) (State, *Error) {
	committed := b.store.complete(&result{
		ID:          id,
		State:       StateCancelled,
		Err:         NewError(KindCancelled, "cancelled by caller"),
		CompletedAt: b.clk.Now(),
		TTL:         b.cfg.resultTTL(0),
	})
	if committed {
		b.metrics.execution(string(KindCancelled))
		return StateCancelled, nil
	}

	state := b.store.status(id)
	if state == StateUnknown {
		return StateUnknown, Errorf(KindUnknown, "id %q not found", id)
	}
	return state, nil
}

// awaitResult waits for the id to reach a terminal state, up to the
// caller's budget bounded by the configured maximum. A zero budget
// answers immediately. The consume-on-await policy applies only to
// successful collections here, never to status reads.
func (b *Broker) awaitResult(ctx context.Context, id string, waitMs int) (*result, State) {
	return b.store.await(ctx, id, b.cfg.awaitBudget(waitMs), b.cfg.ConsumeOnAwait)
}

// status is the non-consuming, non-blocking state read.
func (b *Broker) status(id string) State { return b.store.status(id) }

// Info is the read-only config/runtime snapshot served by GET /info.
type Info struct {
	Address       string   `json:"address"`
	Port          int      `json:"port"`
	Name          string   `json:"name,omitempty"`
	TokenRequired bool     `json:"tokenRequired"`
	UptimeMs      int64    `json:"uptimeMs"`
	Pending       int64    `json:"pending"`
	Methods       []string `json:"methods"`
	Limits        Config   `json:"limits"`
}

// Info assembles the snapshot. The advertise address honors
// preferSubnetPrefix; the token itself never appears (its json tag
// drops it from Limits too).
func (b *Broker) Info() Info {
	address := ""
	if ip, err := netutil.AdvertiseIP(b.cfg.PreferSubnetPrefix); err == nil {
		address = ip.String()
	}

	methods := make([]string, 0, len(b.handlers))
	for method := range b.handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)

	return Info{
		Address:       address,
		Port:          b.cfg.Port,
		Name:          b.cfg.Name,
		TokenRequired: b.cfg.Token != "",
		UptimeMs:      b.clk.Now().Sub(b.startedAt).Milliseconds(),
		Pending:       b.adm.pendingCount(),
		Methods:       methods,
		Limits:        b.cfg,
	}
}
