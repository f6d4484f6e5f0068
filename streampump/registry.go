package streampump

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/riftforge/mongoconfigs/internal/corelog"
	"github.com/riftforge/mongoconfigs/internal/gateway"
)

// Registry multiplexes many logical watchers over the fewest possible
// underlying change streams, sharing one Pump per physical (database,
// collection) pair and fanning out its events to every handler registered
// against that pair. Config-cache invalidation and message-cache
// invalidation both attach through the same Registry instead of each opening
// its own change stream.
type Registry struct {
	gw            *gateway.Gateway
	tokens        map[string]*gateway.ResumeTokenStore
	logger        *zap.Logger
	eventPoolSize int

	mu    sync.Mutex
	pumps map[string]*Pump
}

// NewRegistry constructs a Registry over gw. Resume tokens for database db
// are kept in db's own "_resume_tokens" collection. eventPoolSize bounds the
// concurrent handler dispatches of every pump the registry starts; 0 applies
// Pump's own default.
func NewRegistry(gw *gateway.Gateway, logger *zap.Logger, eventPoolSize int) *Registry {
	return &Registry{
		gw:            gw,
		tokens:        make(map[string]*gateway.ResumeTokenStore),
		logger:        corelog.OrNop(logger),
		eventPoolSize: eventPoolSize,
		pumps:         make(map[string]*Pump),
	}
}

func (r *Registry) tokenStore(db string) *gateway.ResumeTokenStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.tokens[db]; ok {
		return ts
	}
	ts := gateway.NewResumeTokenStore(r.gw, db)
	r.tokens[db] = ts
	return ts
}

// Watch registers handler against (db, coll), starting a new Pump the first
// time this (db, coll) pair is watched and reusing it for every subsequent
// call. pipeline is taken from the first call that creates the pump; later
// calls for the same pair only add their handler. Pumps started here use
// Pump's default backoff and failure-ceiling settings.
func (r *Registry) Watch(ctx context.Context, db, coll string, pipeline mongo.Pipeline, handler Handler) *Pump {
	key := db + "/" + coll
	tokens := r.tokenStore(db)

	r.mu.Lock()
	pump, exists := r.pumps[key]
	if !exists {
		pump = New(r.gw, tokens, Options{
			Database:      db,
			Collection:    coll,
			ConsumerName:  "registry",
			Pipeline:      pipeline,
			EventPoolSize: r.eventPoolSize,
			Logger:        r.logger,
		})
		r.pumps[key] = pump
	}
	r.mu.Unlock()

	pump.AddHandler(handler)
	if !exists {
		pump.Start(ctx)
	}
	return pump
}

// StopAll stops every pump the registry started.
func (r *Registry) StopAll() {
	r.mu.Lock()
	pumps := make([]*Pump, 0, len(r.pumps))
	for _, p := range r.pumps {
		pumps = append(pumps, p)
	}
	r.mu.Unlock()

	for _, p := range pumps {
		p.Stop()
	}
}
