package streampump_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/riftforge/mongoconfigs/internal/gateway"
	"github.com/riftforge/mongoconfigs/streampump"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", streampump.Idle.String())
	require.Equal(t, "running", streampump.Running.String())
	require.Equal(t, "dispatch", streampump.Dispatch.String())
	require.Equal(t, "backoff", streampump.Backoff.String())
	require.Equal(t, "stopped", streampump.Stopped.String())
}

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

func TestPumpDispatchesInsertAndDelete(t *testing.T) {
	client := requireMongo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(client, gateway.Options{})
	coll := "streampump_events"
	defer client.Database("mongoconfigs_test").Collection(coll).Drop(context.Background())
	defer client.Database("mongoconfigs_test").Collection("_resume_tokens").Drop(context.Background())

	tokens := gateway.NewResumeTokenStore(gw, "mongoconfigs_test")
	pump := streampump.New(gw, tokens, streampump.Options{
		Database:     "mongoconfigs_test",
		Collection:   coll,
		ConsumerName: "test",
	})

	events := make(chan streampump.Event, 10)
	pump.AddHandler(func(e streampump.Event) { events <- e })
	pump.Start(ctx)
	defer pump.Stop()

	// Give the change stream a moment to establish before writing.
	time.Sleep(300 * time.Millisecond)

	_, err := gw.UpsertByID(ctx, "mongoconfigs_test", coll, "doc-1", bson.M{"v": 1}).Wait(ctx)
	require.NoError(t, err)

	select {
	case e := <-events:
		require.Equal(t, "doc-1", e.ID)
		require.False(t, e.Tombstone)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for insert event")
	}

	_, err = gw.DeleteByID(ctx, "mongoconfigs_test", coll, "doc-1").Wait(ctx)
	require.NoError(t, err)

	select {
	case e := <-events:
		require.Equal(t, "doc-1", e.ID)
		require.True(t, e.Tombstone)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delete event")
	}
}

func TestRegistrySharesOnePumpPerCollection(t *testing.T) {
	client := requireMongo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(client, gateway.Options{})
	coll := "streampump_registry"
	defer client.Database("mongoconfigs_test").Collection(coll).Drop(context.Background())
	defer client.Database("mongoconfigs_test").Collection("_resume_tokens").Drop(context.Background())

	reg := streampump.NewRegistry(gw, nil, 0)
	defer reg.StopAll()

	var firstCount, secondCount int
	p1 := reg.Watch(ctx, "mongoconfigs_test", coll, nil, func(streampump.Event) { firstCount++ })
	p2 := reg.Watch(ctx, "mongoconfigs_test", coll, nil, func(streampump.Event) { secondCount++ })
	require.Same(t, p1, p2, "two Watch calls on the same collection must share one pump")
}
