// Package streampump implements the Change-Stream Pump (C7): one supervised
// goroutine per watched collection that tails a MongoDB change stream,
// dispatches matched events to registered handlers, persists its resume
// token, and recovers from transient failures with backoff.
package streampump

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/riftforge/mongoconfigs/internal/corelog"
	"github.com/riftforge/mongoconfigs/internal/errs"
	"github.com/riftforge/mongoconfigs/internal/gateway"
)

// State is one point in the pump's lifecycle.
type State int32

const (
	Idle State = iota
	Running
	Dispatch
	Backoff
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Dispatch:
		return "dispatch"
	case Backoff:
		return "backoff"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one change-stream notification delivered to a Handler.
type Event struct {
	Operation string // "insert", "update", "replace", "delete"
	Database  string
	Collection string
	ID         string
	FullDocument bson.M // nil for delete, and for updates without full-document lookup data
	Tombstone    bool
}

// Handler receives dispatched events. For each event the pump calls its
// handlers in order on a goroutine of its bounded event pool; up to
// EventPoolSize events are dispatched at once, so a handler may be called
// concurrently and may see events out of stream order.
type Handler func(Event)

// Options configures a Pump.
type Options struct {
	Database        string
	Collection      string
	ConsumerName    string // distinguishes this pump's resume token from others watching the same collection
	Pipeline        mongo.Pipeline
	BackoffStart    time.Duration
	BackoffMax      time.Duration
	MaxConsecutiveFailures int
	// EventPoolSize bounds how many handler dispatches run concurrently,
	// on a pool separate from the gateway's storage pool. A slow handler
	// holds one pool slot; once every slot is busy, the stream-consumption
	// loop waits for a free one.
	EventPoolSize int
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ConsumerName == "" {
		o.ConsumerName = "default"
	}
	if o.BackoffStart <= 0 {
		o.BackoffStart = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 60 * time.Second
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 10
	}
	if o.EventPoolSize <= 0 {
		o.EventPoolSize = 4
	}
	o.Logger = corelog.OrNop(o.Logger)
	return o
}

// Pump runs the idle -> running -> dispatch -> backoff -> ... -> stopped
// state machine for a single watched collection.
type Pump struct {
	gw     *gateway.Gateway
	tokens *gateway.ResumeTokenStore
	opts   Options

	mu       sync.Mutex
	handlers []Handler

	dispatchSem chan struct{}
	dispatchWG  sync.WaitGroup

	state   atomic.Int32
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopOnce sync.Once

	lastErr atomic.Value // error
}

// New constructs a Pump; it does not start watching until Start is called.
func New(gw *gateway.Gateway, tokens *gateway.ResumeTokenStore, opts Options) *Pump {
	opts = opts.withDefaults()
	p := &Pump{
		gw:          gw,
		tokens:      tokens,
		opts:        opts,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		dispatchSem: make(chan struct{}, opts.EventPoolSize),
	}
	p.state.Store(int32(Idle))
	return p
}

// AddHandler registers handler to receive every event this pump dispatches.
// Safe to call before or after Start.
func (p *Pump) AddHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// State returns the pump's current state.
func (p *Pump) State() State { return State(p.state.Load()) }

// LastError returns the most recent stream error observed, if any.
func (p *Pump) LastError() error {
	v := p.lastErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// Start begins watching on demand, per spec: the first call starts the
// background goroutine; every later call, including one after Stop, is a
// no-op.
func (p *Pump) Start(ctx context.Context) {
	if !p.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return
	}
	runID := uuid.NewString()
	p.opts.Logger.Info("stream pump starting",
		zap.String("runId", runID), zap.String("database", p.opts.Database), zap.String("collection", p.opts.Collection))
	go p.run(ctx)
}

// Stop terminates the pump; State becomes Stopped once the background
// goroutine has exited.
func (p *Pump) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
	p.dispatchWG.Wait()
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.doneCh)
	defer p.state.Store(int32(Stopped))

	consecutiveFailures := 0
	var startAt *bson.Timestamp

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		p.state.Store(int32(Running))
		resumeToken, err := p.tokens.Load(ctx, p.opts.Collection, p.opts.ConsumerName)
		if err != nil {
			p.opts.Logger.Warn("resume token load failed, starting fresh", zap.Error(err))
			resumeToken = nil
		}

		stream, err := p.gw.WatchRaw(ctx, p.opts.Database, p.opts.Collection, p.opts.Pipeline, resumeToken, startAt)
		if err != nil {
			consecutiveFailures++
			p.lastErr.Store(err)
			if consecutiveFailures >= p.opts.MaxConsecutiveFailures {
				p.opts.Logger.Error("stream pump exceeded failure ceiling", zap.Error(errs.New(errs.StreamLost, err)))
				return
			}
			if !p.sleepBackoff(consecutiveFailures) {
				return
			}
			continue
		}

		streamErr := p.consume(ctx, stream)
		_ = stream.Close(ctx)

		if streamErr == nil {
			return // stopped cleanly via ctx/stopCh inside consume
		}

		p.lastErr.Store(streamErr)
		if isHistoryLost(streamErr) {
			p.opts.Logger.Warn("change stream history lost, restarting from now", zap.Error(streamErr))
			now := bson.Timestamp{T: uint32(time.Now().Unix())}
			startAt = &now
			consecutiveFailures = 0
			continue
		}

		consecutiveFailures++
		if consecutiveFailures >= p.opts.MaxConsecutiveFailures {
			p.opts.Logger.Error("stream pump exceeded failure ceiling", zap.Error(errs.New(errs.StreamLost, streamErr)))
			return
		}
		if !p.sleepBackoff(consecutiveFailures) {
			return
		}
	}
}

// consume reads events until the stream errors or the pump is asked to
// stop, returning nil on a clean stop and the stream's error otherwise.
func (p *Pump) consume(ctx context.Context, stream *mongo.ChangeStream) error {
	for {
		select {
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if !stream.TryNext(ctx) {
			if err := stream.Err(); err != nil {
				return err
			}
			select {
			case <-p.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		p.state.Store(int32(Dispatch))
		p.dispatch(stream)

		if err := p.tokens.Save(ctx, p.opts.Collection, p.opts.ConsumerName, stream.ResumeToken()); err != nil {
			p.opts.Logger.Warn("resume token save failed", zap.Error(err))
		}
		p.state.Store(int32(Running))
	}
}

type rawChangeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	Ns            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// dispatch decodes the raw change event on the stream-consumption goroutine,
// then hands the handler fan-out off to the pump's bounded event pool. A
// slow handler slows dispatch throughput; consumption itself waits only
// when every pool slot is busy.
func (p *Pump) dispatch(stream *mongo.ChangeStream) {
	var ev rawChangeEvent
	if err := stream.Decode(&ev); err != nil {
		p.opts.Logger.Warn("change event decode failed", zap.Error(err))
		return
	}

	out := Event{
		Operation:    ev.OperationType,
		Database:     ev.Ns.DB,
		Collection:   ev.Ns.Coll,
		ID:           ev.DocumentKey.ID,
		FullDocument: ev.FullDocument,
		Tombstone:    ev.OperationType == "delete",
	}

	p.mu.Lock()
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	p.dispatchSem <- struct{}{}
	p.dispatchWG.Add(1)
	go func() {
		defer p.dispatchWG.Done()
		defer func() { <-p.dispatchSem }()
		for _, h := range handlers {
			h(out)
		}
	}()
}

// sleepBackoff waits an exponentially growing, jittered interval based on
// the consecutive failure count, returning false if the pump was asked to
// stop while waiting.
func (p *Pump) sleepBackoff(consecutiveFailures int) bool {
	p.state.Store(int32(Backoff))
	backoff := p.opts.BackoffStart
	for i := 1; i < consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= p.opts.BackoffMax {
			backoff = p.opts.BackoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 4 + 1))
	wait := backoff - backoff/8 + jitter

	select {
	case <-time.After(wait):
		return true
	case <-p.stopCh:
		return false
	}
}

func isHistoryLost(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.Name == "ChangeStreamHistoryLost" || cmdErr.Code == 286) {
		return true
	}
	return errors.Is(err, mongo.ErrMissingResumeToken)
}
