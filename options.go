// Package mongoconfigs is the root facade over the MongoDB-backed
// configuration and localized-message service: it wires the storage
// gateway, cache, config store, messages store, language store and
// change-stream pump registry behind a single Manager handle.
package mongoconfigs

import (
	"time"

	"go.uber.org/zap"

	"github.com/riftforge/mongoconfigs/messages"
)

// Options is the single configuration record accepted by New, matching the
// enumerated options surface: connection string, database/collection
// defaults, cache sizing, change-stream backoff and worker pool sizing.
type Options struct {
	ConnectionString string

	DefaultDatabase     string
	ConfigsCollection   string
	MessagesCollection  string

	CacheMaxSize     int
	CacheTTL         time.Duration
	CacheTTI         time.Duration
	CacheRecordStats bool

	// The change-stream backoff and failure-ceiling settings are not passed
	// to the pumps that New starts through its registry; those pumps use
	// streampump's defaults (1s start, 60s ceiling, 10 failures).
	ChangeStreamBackoffStart          time.Duration
	ChangeStreamBackoffMax            time.Duration
	ChangeStreamMaxConsecutiveFailures int

	DefaultLanguage    string
	SupportedLanguages []string

	StoragePoolSize int
	EventPoolSize   int

	PostProcessor messages.PostProcessor
	Logger        *zap.Logger
}

// Option mutates an Options value; NewOptions applies a set of Options in
// order over the package defaults.
type Option func(*Options)

// NewOptions builds an Options value from the package defaults plus any
// overrides, mirroring the "single configuration record with enumerated
// options" surface.
func NewOptions(connectionString string, opts ...Option) Options {
	o := Options{
		ConnectionString:    connectionString,
		DefaultDatabase:     "mongoconfigs",
		ConfigsCollection:   "configs",
		MessagesCollection:  "messages",
		CacheMaxSize:        10000,
		CacheTTL:            5 * time.Minute,
		ChangeStreamBackoffStart:           time.Second,
		ChangeStreamBackoffMax:             60 * time.Second,
		ChangeStreamMaxConsecutiveFailures: 10,
		DefaultLanguage:     "en",
		SupportedLanguages:  []string{"en"},
		StoragePoolSize:     16,
		EventPoolSize:       4,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithDefaultDatabase(db string) Option { return func(o *Options) { o.DefaultDatabase = db } }

func WithCacheMaxSize(n int) Option { return func(o *Options) { o.CacheMaxSize = n } }

func WithCacheTTL(ttl time.Duration) Option { return func(o *Options) { o.CacheTTL = ttl } }

func WithCacheTTI(tti time.Duration) Option { return func(o *Options) { o.CacheTTI = tti } }

func WithCacheRecordStats(enabled bool) Option {
	return func(o *Options) { o.CacheRecordStats = enabled }
}

func WithChangeStreamBackoff(start, max time.Duration) Option {
	return func(o *Options) {
		o.ChangeStreamBackoffStart = start
		o.ChangeStreamBackoffMax = max
	}
}

func WithChangeStreamMaxConsecutiveFailures(n int) Option {
	return func(o *Options) { o.ChangeStreamMaxConsecutiveFailures = n }
}

func WithDefaultLanguage(lang string) Option { return func(o *Options) { o.DefaultLanguage = lang } }

func WithSupportedLanguages(langs ...string) Option {
	return func(o *Options) { o.SupportedLanguages = langs }
}

func WithPoolSizes(storage, event int) Option {
	return func(o *Options) {
		o.StoragePoolSize = storage
		o.EventPoolSize = event
	}
}

func WithPostProcessor(pp messages.PostProcessor) Option {
	return func(o *Options) { o.PostProcessor = pp }
}

func WithLogger(logger *zap.Logger) Option { return func(o *Options) { o.Logger = logger } }
