package gateway_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/riftforge/mongoconfigs/internal/errs"
	"github.com/riftforge/mongoconfigs/internal/gateway"
)

// requireMongo dials MONGODB_TEST_URL (defaulting to a local replica set)
// and skips the test when no server is reachable, since change streams and
// several of the gateway's guarantees only make sense against a real
// MongoDB deployment.
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
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})
	return client
}

func TestFindByIDNotFound(t *testing.T) {
	client := requireMongo(t)
	gw := gateway.New(client, gateway.Options{})

	ctx := context.Background()
	_, err := gw.FindByID(ctx, "mongoconfigs_test", "gateway_findbyid_missing", "nope").Wait(ctx)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestUpsertThenFind(t *testing.T) {
	client := requireMongo(t)
	gw := gateway.New(client, gateway.Options{})
	ctx := context.Background()

	coll := "gateway_upsert_find"
	defer client.Database("mongoconfigs_test").Collection(coll).Drop(ctx)

	_, err := gw.UpsertByID(ctx, "mongoconfigs_test", coll, "doc-1", bson.M{"n": int32(1)}).Wait(ctx)
	require.NoError(t, err)

	doc, err := gw.FindByID(ctx, "mongoconfigs_test", coll, "doc-1").Wait(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, doc["n"])
}

func TestBulkUpsert(t *testing.T) {
	client := requireMongo(t)
	gw := gateway.New(client, gateway.Options{})
	ctx := context.Background()

	coll := "gateway_bulk_upsert"
	defer client.Database("mongoconfigs_test").Collection(coll).Drop(ctx)

	items := []gateway.BulkItem{
		{ID: "a", Doc: bson.M{"lang": "en"}},
		{ID: "b", Doc: bson.M{"lang": "pl"}},
	}
	_, err := gw.BulkUpsert(ctx, "mongoconfigs_test", coll, items).Wait(ctx)
	require.NoError(t, err)

	docA, err := gw.FindByID(ctx, "mongoconfigs_test", coll, "a").Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "en", docA["lang"])
}

func TestResumeTokenStoreRoundTrip(t *testing.T) {
	client := requireMongo(t)
	gw := gateway.New(client, gateway.Options{})
	store := gateway.NewResumeTokenStore(gw, "mongoconfigs_test")
	ctx := context.Background()

	defer client.Database("mongoconfigs_test").Collection("_resume_tokens").Drop(ctx)

	tok, err := store.Load(ctx, "some_coll", "pump")
	require.NoError(t, err)
	require.Nil(t, tok)

	require.NoError(t, store.Save(ctx, "some_coll", "pump", bson.Raw("abc")))

	tok, err = store.Load(ctx, "some_coll", "pump")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), []byte(tok))
}
