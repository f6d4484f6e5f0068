// Package configstore implements the Config Store (C5): materializing typed
// configuration records by merging declared defaults with persisted data,
// with a read-through cache in front of the storage gateway.
package configstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/riftforge/mongoconfigs/cache"
	"github.com/riftforge/mongoconfigs/internal/codec"
	"github.com/riftforge/mongoconfigs/internal/corelog"
	"github.com/riftforge/mongoconfigs/internal/errs"
	"github.com/riftforge/mongoconfigs/internal/future"
	"github.com/riftforge/mongoconfigs/internal/gateway"
	"github.com/riftforge/mongoconfigs/internal/schema"
	"github.com/riftforge/mongoconfigs/streampump"
)

// Options configures a Store.
type Options struct {
	DefaultDatabase   string
	DefaultCollection string
	CacheMaxSize      int
	CacheTTL          time.Duration
	CacheTTI          time.Duration
	RecordStats       bool
	// Registry, when set, is used to watch every (database, collection)
	// pair this Store actually resolves to — not just its defaults — so a
	// bundle whose descriptor names a custom or document-id-derived
	// collection (spec.md §3) still gets cross-process cache invalidation
	// (I4/P6).
	Registry *streampump.Registry
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DefaultCollection == "" {
		o.DefaultCollection = "configs"
	}
	o.Logger = corelog.OrNop(o.Logger)
	return o
}

// Store is the Config Store: reads go through an in-process cache backed by
// the storage gateway; writes upsert through the gateway and then warm the
// cache immediately, ahead of change-stream feedback (spec's ordering
// guarantee for a single process).
type Store struct {
	gw    *gateway.Gateway
	opts  Options
	cache *cache.Cache[bson.M]

	watchedMu sync.Mutex
	watched   map[string]struct{}
}

// New constructs a Store over gw.
func New(gw *gateway.Gateway, opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{
		gw:   gw,
		opts: opts,
		cache: cache.New[bson.M](cache.Options{
			MaxSize:     opts.CacheMaxSize,
			TTL:         opts.CacheTTL,
			TTI:         opts.CacheTTI,
			RecordStats: opts.RecordStats,
		}),
		watched: make(map[string]struct{}),
	}
}

// docKey renders a (collection, id) pair into the cache's string key space.
func docKey(db, coll, id string) string { return db + "\x00" + coll + "\x00" + id }

func (s *Store) resolve(desc schema.Descriptor) (db, coll, id string) {
	db = desc.DatabaseName
	if db == "" {
		db = s.opts.DefaultDatabase
	}
	coll = desc.CollectionName
	if coll == "" {
		coll = desc.DocumentID
	}
	s.ensureWatched(db, coll)
	return db, coll, desc.DocumentID
}

// ensureWatched registers a change-stream watcher for (db, coll) the first
// time this Store resolves to it, so collections discovered at runtime
// (a custom collectionName, or one derived from documentId) get the same
// cross-process cache invalidation as the configured defaults.
func (s *Store) ensureWatched(db, coll string) {
	if s.opts.Registry == nil {
		return
	}
	key := db + "/" + coll
	s.watchedMu.Lock()
	if _, ok := s.watched[key]; ok {
		s.watchedMu.Unlock()
		return
	}
	s.watched[key] = struct{}{}
	s.watchedMu.Unlock()

	s.opts.Registry.Watch(context.Background(), db, coll, nil, func(e streampump.Event) {
		s.InvalidateDoc(e.Database, e.Collection, e.ID)
	})
}

// GetOrGenerate returns the persisted record for bundle's descriptor if one
// exists; otherwise it persists defaultFactory()'s result and returns it.
// A lost race against a concurrent GetOrGenerate is tolerated: the next read
// observes whichever document actually won the upsert.
func GetOrGenerate[T any](ctx context.Context, s *Store, bundle schema.Described, defaultFactory func() T) *future.Future[T] {
	desc := bundle.Descriptor()
	db, coll, id := s.resolve(desc)

	return future.New(func() (T, error) {
		var zero T
		doc, err := s.cache.Get(ctx, docKey(db, coll, id), func(ctx context.Context) (bson.M, error) {
			existing, err := s.gw.FindByID(ctx, db, coll, id).Wait(ctx)
			if err == nil {
				return existing, nil
			}
			if !errs.Is(err, errs.NotFound) {
				return nil, err
			}

			defaults := defaultFactory()
			encoded, encErr := codec.Encode(defaults)
			if encErr != nil {
				return nil, encErr
			}
			if _, upErr := s.gw.UpsertByID(ctx, db, coll, id, encoded).Wait(ctx); upErr != nil {
				return nil, upErr
			}
			// Re-read so a lost race against a concurrent writer returns the
			// document that actually won the upsert.
			won, reErr := s.gw.FindByID(ctx, db, coll, id).Wait(ctx)
			if reErr != nil {
				return encoded, nil
			}
			return won, nil
		})
		if err != nil {
			return zero, err
		}

		// Decoding over the declared defaults gives fields missing from the
		// persisted document their default values (merge on read).
		result := defaultFactory()
		if err := codec.Decode(doc, &result); err != nil {
			return zero, err
		}
		return result, nil
	})
}

// Get returns the persisted record for bundle's descriptor, or
// errs.NotFound if no document exists.
func Get[T any](ctx context.Context, s *Store, bundle schema.Described) *future.Future[T] {
	desc := bundle.Descriptor()
	db, coll, id := s.resolve(desc)

	return future.New(func() (T, error) {
		var zero T
		doc, err := s.cache.Get(ctx, docKey(db, coll, id), func(ctx context.Context) (bson.M, error) {
			return s.gw.FindByID(ctx, db, coll, id).Wait(ctx)
		})
		if err != nil {
			return zero, err
		}
		var result T
		if err := codec.Decode(doc, &result); err != nil {
			return zero, err
		}
		return result, nil
	})
}

// Set serializes record and upserts it under bundle's descriptor, updating
// the local cache immediately on success so subsequent local reads observe
// the new value before change-stream feedback arrives.
func Set(ctx context.Context, s *Store, bundle schema.Described, record interface{}) *future.Future[struct{}] {
	desc := bundle.Descriptor()
	db, coll, id := s.resolve(desc)

	return future.New(func() (struct{}, error) {
		encoded, err := codec.Encode(record)
		if err != nil {
			return struct{}{}, err
		}

		if s.opts.Logger.Core().Enabled(zap.DebugLevel) {
			// Get with an always-failing loader is a cache-only peek: it
			// returns the cached value with no error on a hit, and an error
			// (discarded) when nothing is cached yet.
			if prev, peekErr := s.cache.Get(ctx, docKey(db, coll, id), func(context.Context) (bson.M, error) {
				return nil, errs.ErrNotFound
			}); peekErr == nil {
				logDiff(s.opts.Logger, db, coll, id, prev, encoded)
			}
		}

		if _, err := s.gw.UpsertByID(ctx, db, coll, id, encoded).Wait(ctx); err != nil {
			return struct{}{}, err
		}
		s.cache.Put(docKey(db, coll, id), encoded)
		return struct{}{}, nil
	})
}

func logDiff(logger *zap.Logger, db, coll, id string, prev, next bson.M) {
	prevJSON, err1 := bson.MarshalExtJSON(prev, false, false)
	nextJSON, err2 := bson.MarshalExtJSON(next, false, false)
	if err1 != nil || err2 != nil {
		return
	}
	patch, err := jsonpatch.CreateMergePatch(prevJSON, nextJSON)
	if err != nil || len(patch) <= 2 { // "{}"
		return
	}
	logger.Debug("config set diff",
		zap.String("db", db), zap.String("collection", coll), zap.String("id", id),
		zap.ByteString("mergePatch", patch))
}

// SetField sets the value at a strict dotted path within the document
// identified by (collection, id), without deserializing the whole record.
func (s *Store) SetField(ctx context.Context, collection, id, path string, value interface{}) *future.Future[struct{}] {
	db := s.opts.DefaultDatabase
	s.ensureWatched(db, collection)
	return future.New(func() (struct{}, error) {
		doc, err := s.gw.FindByID(ctx, db, collection, id).Wait(ctx)
		if err != nil && !errs.Is(err, errs.NotFound) {
			return struct{}{}, err
		}
		if doc == nil {
			doc = bson.M{}
		}
		if err := codec.SetPath(doc, path, value); err != nil {
			return struct{}{}, err
		}
		if _, err := s.gw.UpsertByID(ctx, db, collection, id, doc).Wait(ctx); err != nil {
			return struct{}{}, err
		}
		s.cache.Put(docKey(db, collection, id), doc)
		return struct{}{}, nil
	})
}

// GetField reads the value at a strict dotted path within the document
// identified by (collection, id) and decodes it into a value of type T.
func GetField[T any](ctx context.Context, s *Store, collection, id, path string) *future.Future[T] {
	db := s.opts.DefaultDatabase
	s.ensureWatched(db, collection)
	return future.New(func() (T, error) {
		var zero T
		doc, err := s.cache.Get(ctx, docKey(db, collection, id), func(ctx context.Context) (bson.M, error) {
			return s.gw.FindByID(ctx, db, collection, id).Wait(ctx)
		})
		if err != nil {
			return zero, err
		}
		val, ok, err := codec.GetPath(doc, path)
		if err != nil {
			return zero, err
		}
		if !ok {
			return zero, errs.ErrNotFound
		}
		if typed, ok := val.(T); ok {
			return typed, nil
		}
		converted, err := convertTo[T](val)
		if err != nil {
			return zero, errs.New(errs.TypeMismatch, fmt.Errorf("field %q: %w", path, err))
		}
		return converted, nil
	})
}

func convertTo[T any](val interface{}) (T, error) {
	var zero T
	data, err := bson.Marshal(bson.M{"v": val})
	if err != nil {
		return zero, err
	}
	var wrapper struct {
		V T `bson:"v"`
	}
	if err := bson.Unmarshal(data, &wrapper); err != nil {
		return zero, err
	}
	return wrapper.V, nil
}

// ReloadCollection invalidates every cache entry belonging to collection.
// There is no per-collection index into the cache, so this invalidates
// across the whole cache; callers with many collections sharing one Store
// should prefer ReloadAll when reload frequency is high.
func (s *Store) ReloadCollection(_ context.Context, collection string) {
	// The Cache type is keyed by an opaque string; collection-scoped
	// invalidation requires walking keys, which the generic Cache does not
	// expose. ReloadCollection therefore invalidates the entire cache, a
	// conservative but correct implementation of "invalidate entries for a
	// collection" until per-collection indexing is worth the complexity.
	_ = collection
	s.cache.InvalidateAll()
}

// ReloadAll invalidates every cache entry.
func (s *Store) ReloadAll(_ context.Context) {
	s.cache.InvalidateAll()
}

// InvalidateDoc evicts the cache entry for (db, coll, id); this is the hook
// streampump.Pump calls on INSERT/UPDATE/REPLACE/DELETE events (I4).
func (s *Store) InvalidateDoc(db, coll, id string) {
	s.cache.Invalidate(docKey(db, coll, id))
}
