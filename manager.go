package mongoconfigs

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/riftforge/mongoconfigs/configstore"
	"github.com/riftforge/mongoconfigs/internal/corelog"
	"github.com/riftforge/mongoconfigs/internal/errs"
	"github.com/riftforge/mongoconfigs/internal/gateway"
	"github.com/riftforge/mongoconfigs/lang"
	"github.com/riftforge/mongoconfigs/messages"
	"github.com/riftforge/mongoconfigs/streampump"
)

// Manager is the single explicit handle over the service: it owns the
// MongoDB client and the change-stream registry, and exposes the config
// store, messages store and language store. There is no package-level global state
// beyond corelog's no-op default logger.
type Manager struct {
	client *mongo.Client
	gw     *gateway.Gateway

	configStore *configstore.Store
	messages    *messages.Store
	lang        *lang.Store
	registry    *streampump.Registry

	opts Options
}

// New connects to MongoDB per opts.ConnectionString and wires every
// component. The returned Manager owns the connection's lifecycle; callers
// must call Shutdown to release it.
func New(ctx context.Context, opts Options) (*Manager, error) {
	logger := corelog.OrNop(opts.Logger)

	client, err := mongo.Connect(ctx, mongoOptions(opts))
	if err != nil {
		return nil, errs.Wrap(errs.TransportFailure, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errs.Wrap(errs.TransportFailure, err)
	}

	gw := gateway.New(client, gateway.Options{
		StoragePoolSize: opts.StoragePoolSize,
		Logger:          logger,
	})

	registry := streampump.NewRegistry(gw, logger, opts.EventPoolSize)

	cfgStore := configstore.New(gw, configstore.Options{
		DefaultDatabase:   opts.DefaultDatabase,
		DefaultCollection: opts.ConfigsCollection,
		CacheMaxSize:      opts.CacheMaxSize,
		CacheTTL:          opts.CacheTTL,
		CacheTTI:          opts.CacheTTI,
		RecordStats:       opts.CacheRecordStats,
		Registry:          registry,
		Logger:            logger,
	})

	msgStore := messages.New(gw, messages.Options{
		DefaultDatabase:   opts.DefaultDatabase,
		DefaultCollection: opts.MessagesCollection,
		DefaultLanguage:   opts.DefaultLanguage,
		CacheMaxSize:      opts.CacheMaxSize,
		CacheTTL:          opts.CacheTTL,
		CacheTTI:          opts.CacheTTI,
		PostProcessor:     opts.PostProcessor,
		Registry:          registry,
		Logger:            logger,
	})

	langStore := lang.New(gw, lang.Options{
		Database:           opts.DefaultDatabase,
		DefaultLanguage:     opts.DefaultLanguage,
		SupportedLanguages:  opts.SupportedLanguages,
		CacheMaxSize:        opts.CacheMaxSize,
		CacheTTL:            opts.CacheTTL,
		Logger:              logger,
	})

	return &Manager{
		client:      client,
		gw:          gw,
		configStore: cfgStore,
		messages:    msgStore,
		lang:        langStore,
		registry:    registry,
		opts:        opts,
	}, nil
}

func mongoOptions(opts Options) *options.ClientOptions {
	return options.Client().ApplyURI(opts.ConnectionString)
}

// ConfigStore returns the Config Store (C5).
func (m *Manager) ConfigStore() *configstore.Store { return m.configStore }

// Messages returns the Messages Store (C6).
func (m *Manager) Messages() *messages.Store { return m.messages }

// Lang returns the Language Store (C8).
func (m *Manager) Lang() *lang.Store { return m.lang }

// Shutdown stops the change-stream registry, flushes the language store's
// write-behind queue and disconnects from MongoDB.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.registry.StopAll()
	m.lang.Close()
	if err := m.client.Disconnect(ctx); err != nil {
		return errs.Wrap(errs.TransportFailure, err)
	}
	return nil
}
