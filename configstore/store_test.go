package configstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/riftforge/mongoconfigs/configstore"
	"github.com/riftforge/mongoconfigs/internal/errs"
	"github.com/riftforge/mongoconfigs/internal/gateway"
	"github.com/riftforge/mongoconfigs/internal/schema"
)

func requireMongo(t *testing.T) *mongo.Client {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URL")
	if uri == "" {
		uri = "mongodb://localhost:27017/mongoconfigs_test"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("no reachable MongoDB at %s: %v", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("no reachable MongoDB at %s: %v", uri, err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

type guildConfig struct {
	MaxMembers int    `bson:"maxMembers"`
	Motto      string `bson:"motto"`
}

type guildBundle struct {
	ID string
	guildConfig
}

func (b guildBundle) Descriptor() schema.Descriptor {
	return schema.Descriptor{DocumentID: b.ID, DatabaseName: "mongoconfigs_test", CollectionName: "configstore_guilds"}
}

func newStore(t *testing.T) (*configstore.Store, *mongo.Client) {
	client := requireMongo(t)
	gw := gateway.New(client, gateway.Options{})
	s := configstore.New(gw, configstore.Options{DefaultDatabase: "mongoconfigs_test"})
	return s, client
}

func TestGetOrGenerateCreatesDefaults(t *testing.T) {
	s, client := newStore(t)
	ctx := context.Background()
	defer client.Database("mongoconfigs_test").Collection("configstore_guilds").Drop(ctx)

	bundle := guildBundle{ID: "guild-1"}
	cfg, err := configstore.GetOrGenerate(ctx, s, bundle, func() guildConfig {
		return guildConfig{MaxMembers: 50, Motto: "for the realm"}
	}).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.MaxMembers)
	require.Equal(t, "for the realm", cfg.Motto)

	again, err := configstore.GetOrGenerate(ctx, s, bundle, func() guildConfig {
		return guildConfig{MaxMembers: 999, Motto: "overwritten"}
	}).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 50, again.MaxMembers, "GetOrGenerate must not clobber an existing document")
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, client := newStore(t)
	ctx := context.Background()
	defer client.Database("mongoconfigs_test").Collection("configstore_guilds").Drop(ctx)

	bundle := guildBundle{ID: "missing-guild"}
	_, err := configstore.Get[guildConfig](ctx, s, bundle).Wait(ctx)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestSetThenGetObservesWriteImmediately(t *testing.T) {
	s, client := newStore(t)
	ctx := context.Background()
	defer client.Database("mongoconfigs_test").Collection("configstore_guilds").Drop(ctx)

	bundle := guildBundle{ID: "guild-2"}
	require.NoError(t, ignore(configstore.Set(ctx, s, bundle, guildConfig{MaxMembers: 10, Motto: "hi"}).Wait(ctx)))

	cfg, err := configstore.Get[guildConfig](ctx, s, bundle).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.MaxMembers)
}

func TestSetFieldAndGetField(t *testing.T) {
	s, client := newStore(t)
	ctx := context.Background()
	coll := "configstore_fields"
	defer client.Database("mongoconfigs_test").Collection(coll).Drop(ctx)

	require.NoError(t, ignore(s.SetField(ctx, coll, "doc-1", "nested.value", 42).Wait(ctx)))

	v, err := configstore.GetField[int](ctx, s, coll, "doc-1", "nested.value").Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func ignore(_ struct{}, err error) error { return err }
