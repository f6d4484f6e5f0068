// Package lang implements the Language Store (C8): per-player language
// preference, backed by a small process-local cache in front of a
// write-behind batching layer over the storage gateway.
package lang

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/riftforge/mongoconfigs/cache"
	"github.com/riftforge/mongoconfigs/internal/corelog"
	"github.com/riftforge/mongoconfigs/internal/errs"
	"github.com/riftforge/mongoconfigs/internal/future"
	"github.com/riftforge/mongoconfigs/internal/gateway"
)

// Options configures a Store.
type Options struct {
	Database           string
	Collection         string
	DefaultLanguage    string
	SupportedLanguages []string
	CacheMaxSize       int
	CacheTTL           time.Duration

	// WriteBehindInterval controls how often queued writes are flushed.
	WriteBehindInterval time.Duration
	// WriteBehindMaxBatch flushes early once this many writes have queued.
	WriteBehindMaxBatch int

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Collection == "" {
		o.Collection = "player_languages"
	}
	if o.DefaultLanguage == "" {
		o.DefaultLanguage = "en"
	}
	if len(o.SupportedLanguages) == 0 {
		o.SupportedLanguages = []string{o.DefaultLanguage}
	}
	if o.WriteBehindInterval <= 0 {
		o.WriteBehindInterval = 2 * time.Second
	}
	if o.WriteBehindMaxBatch <= 0 {
		o.WriteBehindMaxBatch = 200
	}
	o.Logger = corelog.OrNop(o.Logger)
	return o
}

// Store is the Language Store.
type Store struct {
	gw   *gateway.Gateway
	opts Options

	cache *cache.Cache[string]

	mu      sync.Mutex
	pending map[string]string // player id -> pending language, coalesced per flush cycle

	closeOnce sync.Once
	closeCh   chan struct{}
	flushedCh chan struct{}
}

// New constructs a Store over gw and starts its write-behind flush loop.
func New(gw *gateway.Gateway, opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		gw:        gw,
		opts:      opts,
		cache:     cache.New[string](cache.Options{MaxSize: opts.CacheMaxSize, TTL: opts.CacheTTL}),
		pending:   make(map[string]string),
		closeCh:   make(chan struct{}),
		flushedCh: make(chan struct{}, 1),
	}
	go s.flushLoop()
	return s
}

// Close stops the write-behind flush loop after flushing any pending writes.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
	s.flush(context.Background())
}

// GetDefaultLanguage returns the process-configured default language.
func (s *Store) GetDefaultLanguage() string { return s.opts.DefaultLanguage }

// GetSupportedLanguages returns the declared set of supported languages.
func (s *Store) GetSupportedLanguages() []string {
	out := make([]string, len(s.opts.SupportedLanguages))
	copy(out, s.opts.SupportedLanguages)
	return out
}

// IsLanguageSupported reports whether lang is in the declared supported set.
func (s *Store) IsLanguageSupported(lang string) bool {
	for _, l := range s.opts.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

type playerLangDoc struct {
	ID   string `bson:"_id"`
	Lang string `bson:"lang"`
}

// GetPlayerLanguageAsync returns the player's language, or the default
// language if no preference has been recorded.
func (s *Store) GetPlayerLanguageAsync(ctx context.Context, playerID string) *future.Future[string] {
	return future.New(func() (string, error) {
		lang, err := s.cache.Get(ctx, playerID, func(ctx context.Context) (string, error) {
			doc, err := s.gw.FindByID(ctx, s.opts.Database, s.opts.Collection, playerID).Wait(ctx)
			if err != nil {
				return "", err
			}
			var decoded playerLangDoc
			if v, ok := doc["lang"].(string); ok {
				decoded.Lang = v
			}
			return decoded.Lang, nil
		})
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				return s.opts.DefaultLanguage, nil
			}
			return "", err
		}
		if lang == "" {
			return s.opts.DefaultLanguage, nil
		}
		return lang, nil
	})
}

// GetPlayerLanguage is the blocking convenience form of
// GetPlayerLanguageAsync.
func (s *Store) GetPlayerLanguage(ctx context.Context, playerID string) (string, error) {
	return s.GetPlayerLanguageAsync(ctx, playerID).Wait(ctx)
}

// SetPlayerLanguageAsync updates the cache immediately and enqueues the
// write for the next write-behind flush.
func (s *Store) SetPlayerLanguageAsync(playerID, lang string) *future.Future[struct{}] {
	s.cache.Put(playerID, lang)

	s.mu.Lock()
	s.pending[playerID] = lang
	shouldFlush := len(s.pending) >= s.opts.WriteBehindMaxBatch
	s.mu.Unlock()

	if shouldFlush {
		select {
		case s.flushedCh <- struct{}{}:
		default:
		}
	}
	return future.Resolved(struct{}{}, nil)
}

// SetPlayerLanguage is the blocking convenience form, which still only
// queues the write for the write-behind flush; it does not wait for
// persistence, matching spec's "small write-behind cache" behavior.
func (s *Store) SetPlayerLanguage(playerID, lang string) {
	s.SetPlayerLanguageAsync(playerID, lang)
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(s.opts.WriteBehindInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.flush(context.Background())
		case <-s.flushedCh:
			s.flush(context.Background())
		}
	}
}

func (s *Store) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = make(map[string]string)
	s.mu.Unlock()

	items := make([]gateway.BulkItem, 0, len(batch))
	for id, lang := range batch {
		items = append(items, gateway.BulkItem{ID: id, Doc: map[string]interface{}{"lang": lang}})
	}

	if _, err := s.gw.BulkUpsert(ctx, s.opts.Database, s.opts.Collection, items).Wait(ctx); err != nil {
		s.opts.Logger.Warn("language store write-behind flush failed", zap.Error(err))
	}
}
