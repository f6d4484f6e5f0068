// Package messages implements the Messages Store (C6): per-language
// document materialization from a bundle's declared defaults, retrieval
// with default-language and key fallback, placeholder formatting and a
// lazy per-language view.
package messages

import (
	"context"
	"fmt"
	"sync"
	"time"

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
	DefaultLanguage   string
	CacheMaxSize      int
	CacheTTL          time.Duration
	CacheTTI          time.Duration
	PostProcessor     PostProcessor
	// Registry, when set, is used to watch every (database, collection)
	// pair this Store actually resolves to, not just its defaults, so a
	// bundle with a custom collectionName still gets cross-process cache
	// invalidation (I4/P6).
	Registry *streampump.Registry
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DefaultCollection == "" {
		o.DefaultCollection = "messages"
	}
	if o.DefaultLanguage == "" {
		o.DefaultLanguage = "en"
	}
	o.Logger = corelog.OrNop(o.Logger)
	return o
}

// Store is the Messages Store.
type Store struct {
	gw    *gateway.Gateway
	opts  Options
	cache *cache.Cache[bson_M]

	watchedMu sync.Mutex
	watched   map[string]struct{}
}

// bson_M avoids importing the driver's bson package into this file's public
// surface while keeping the cached value type identical to what
// internal/codec and internal/gateway already use.
type bson_M = map[string]interface{}

// New constructs a Store over gw.
func New(gw *gateway.Gateway, opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{
		gw:   gw,
		opts: opts,
		cache: cache.New[bson_M](cache.Options{
			MaxSize: opts.CacheMaxSize,
			TTL:     opts.CacheTTL,
			TTI:     opts.CacheTTI,
		}),
		watched: make(map[string]struct{}),
	}
}

// Handle is the opaque registration result scoped to a bundle's document id
// and supported-language set, returned by EnsureFromDefaults.
type Handle struct {
	documentID string
	database   string
	collection string
	languages  []string
}

func (h *Handle) Languages() []string { return h.languages }

func (s *Store) resolve(desc schema.Descriptor) (db, coll string) {
	db = desc.DatabaseName
	if db == "" {
		db = s.opts.DefaultDatabase
	}
	coll = desc.CollectionName
	if coll == "" {
		coll = s.opts.DefaultCollection
	}
	s.ensureWatched(db, coll)
	return db, coll
}

// ensureWatched registers a change-stream watcher for (db, coll) the first
// time this Store resolves to it, mirroring configstore.Store's dynamic
// registration so a bundle-declared custom collection gets the same
// cross-process invalidation as the configured default.
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

func langDocID(documentID, lang string) string { return documentID + ":" + lang }

// EnsureFromDefaults runs the five-step registration algorithm: introspect
// the bundle, read (or create) each declared language's document, insert
// any defaults missing from it, and write back only when something
// changed. Translator edits already present in a language document are
// never overwritten (P1).
func EnsureFromDefaults(ctx context.Context, s *Store, defaultInstance interface{}) *future.Future[*Handle] {
	return future.New(func() (*Handle, error) {
		schemaResult, err := schema.IntrospectMessages(defaultInstance)
		if err != nil {
			return nil, err
		}
		desc := schemaResult.Descriptor
		db, coll := s.resolve(desc)

		defaults := make([]schema.PathDefault, 0, len(schemaResult.Defaults))
		for k, v := range schemaResult.Defaults {
			defaults = append(defaults, schema.PathDefault{Path: k, Default: v})
		}

		for _, lang := range desc.SupportedLanguages {
			id := langDocID(desc.DocumentID, lang)

			existing, err := s.gw.FindByID(ctx, db, coll, id).Wait(ctx)
			notFound := errs.Is(err, errs.NotFound)
			if err != nil && !notFound {
				return nil, err
			}
			if notFound {
				existing = bson_M{}
			}

			merged, changed := codec.MergeDefaults(existing, defaults)
			if notFound || changed {
				merged["documentId"] = desc.DocumentID
				merged["lang"] = lang
				if _, err := s.gw.UpsertByID(ctx, db, coll, id, merged).Wait(ctx); err != nil {
					return nil, err
				}
			}
			s.cache.Put(cacheKey(db, coll, id), merged)
		}

		return &Handle{
			documentID: desc.DocumentID,
			database:   db,
			collection: coll,
			languages:  desc.SupportedLanguages,
		}, nil
	})
}

func cacheKey(db, coll, id string) string { return db + "\x00" + coll + "\x00" + id }

func (s *Store) loadLangDoc(ctx context.Context, db, coll, id string) (bson_M, error) {
	return s.cache.Get(ctx, cacheKey(db, coll, id), func(ctx context.Context) (bson_M, error) {
		return s.gw.FindByID(ctx, db, coll, id).Wait(ctx)
	})
}

// Get returns the raw string stored at key for (h, lang); if the key is
// absent for lang, it falls back to the process default language, then to
// the key itself as a last resort (never an error).
func (s *Store) Get(ctx context.Context, h *Handle, lang, key string) *future.Future[string] {
	return future.New(func() (string, error) {
		val, ok := s.lookup(ctx, h, lang, key)
		if !ok && lang != s.opts.DefaultLanguage {
			val, ok = s.lookup(ctx, h, s.opts.DefaultLanguage, key)
		}
		if !ok {
			return key, nil
		}
		str, ok := val.(string)
		if !ok {
			return key, nil
		}
		return s.postProcess(str), nil
	})
}

// GetList is Get's list-valued counterpart: a non-list stored value is
// wrapped in a singleton slice.
func (s *Store) GetList(ctx context.Context, h *Handle, lang, key string) *future.Future[[]string] {
	return future.New(func() ([]string, error) {
		val, ok := s.lookup(ctx, h, lang, key)
		if !ok && lang != s.opts.DefaultLanguage {
			val, ok = s.lookup(ctx, h, s.opts.DefaultLanguage, key)
		}
		if !ok {
			return []string{key}, nil
		}
		return codec.AsStringSlice(val), nil
	})
}

func (s *Store) lookup(ctx context.Context, h *Handle, lang, key string) (interface{}, bool) {
	doc, err := s.loadLangDoc(ctx, h.database, h.collection, langDocID(h.documentID, lang))
	if err != nil {
		return nil, false
	}
	// Dotted keys are stored as nested documents (EnsureFromDefaults merges
	// them through codec.MergeDefaults), so resolve the key as a path.
	val, ok, err := codec.GetPath(doc, key)
	if err != nil {
		return nil, false
	}
	return val, ok
}

// Format retrieves the template at (lang, key) and substitutes
// placeholders (named, positional, and the plural mini-syntax).
func (s *Store) Format(ctx context.Context, h *Handle, lang, key string, placeholders map[string]interface{}) *future.Future[string] {
	return future.New(func() (string, error) {
		template, err := s.Get(ctx, h, lang, key).Wait(ctx)
		if err != nil {
			return "", err
		}
		return Format(template, placeholders), nil
	})
}

func (s *Store) postProcess(str string) string {
	if s.opts.PostProcessor == nil {
		return str
	}
	return s.opts.PostProcessor(str)
}

// Use schedules consumer with the resolved, formatted string as soon as it
// is available; it never blocks the calling goroutine.
func (s *Store) Use(ctx context.Context, h *Handle, lang, key string, placeholders map[string]interface{}, consumer func(string, error)) {
	s.Format(ctx, h, lang, key, placeholders).Use(consumer)
}

// View is a lazy, language-bound projection over a Handle.
type View struct {
	store *Store
	h     *Handle
	lang  string
}

// View returns a View bound to lang.
func (s *Store) View(h *Handle, lang string) *View {
	return &View{store: s, h: h, lang: lang}
}

// Get blocks the calling goroutine until the cache resolves the value; per
// spec, callers must only invoke View's synchronous accessors from a worker
// context, never on a hot request thread.
func (v *View) Get(ctx context.Context, key string) (string, error) {
	return v.store.Get(ctx, v.h, v.lang, key).Wait(ctx)
}

func (v *View) GetList(ctx context.Context, key string) ([]string, error) {
	return v.store.GetList(ctx, v.h, v.lang, key).Wait(ctx)
}

func (v *View) Format(ctx context.Context, key string, placeholders map[string]interface{}) (string, error) {
	return v.store.Format(ctx, v.h, v.lang, key, placeholders).Wait(ctx)
}

// Languages returns every language actually persisted for documentId, which
// may be a superset of a bundle's declared languages (I3): it queries the
// collection's distinct "lang" values for the document rather than only
// probing the declared set, so a language document installed outside
// EnsureFromDefaults (e.g. by a translator tool, or a bundle revision that
// later drops a language) is still discovered.
func (s *Store) Languages(ctx context.Context, h *Handle) *future.Future[[]string] {
	return future.New(func() ([]string, error) {
		values, err := s.gw.Distinct(ctx, h.database, h.collection, "lang", bson_M{"documentId": h.documentID}).Wait(ctx)
		if err != nil {
			return nil, err
		}
		langs := make([]string, 0, len(values))
		for _, v := range values {
			if str, ok := v.(string); ok {
				langs = append(langs, str)
			}
		}
		if len(langs) == 0 {
			return nil, errs.New(errs.NotFound, fmt.Errorf("no persisted languages for %q", h.documentID))
		}
		return langs, nil
	})
}

// InvalidateDoc evicts the cached language document for (db, coll, id); the
// hook streampump.Pump calls on matched change-stream events.
func (s *Store) InvalidateDoc(db, coll, id string) {
	s.cache.Invalidate(cacheKey(db, coll, id))
}

// ReloadAll invalidates every cached language document. It does not re-run
// EnsureFromDefaults; only explicit re-registration does that (spec's
// resolved open question on reloadAll).
func (s *Store) ReloadAll() {
	s.cache.InvalidateAll()
}
