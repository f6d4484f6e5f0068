package messages_test

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
	"github.com/riftforge/mongoconfigs/internal/schema"
	"github.com/riftforge/mongoconfigs/messages"
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

type greetingBundle struct {
	Welcome string `msg:"welcome"`
}

func (greetingBundle) Descriptor() schema.Descriptor {
	return schema.Descriptor{
		DocumentID:         "greeting",
		DatabaseName:       "mongoconfigs_test",
		CollectionName:     "messages_greeting",
		SupportedLanguages: []string{"en", "pl"},
	}
}

func TestEnsureFromDefaultsInstallsAndFormats(t *testing.T) {
	client := requireMongo(t)
	ctx := context.Background()
	defer client.Database("mongoconfigs_test").Collection("messages_greeting").Drop(ctx)

	gw := gateway.New(client, gateway.Options{})
	s := messages.New(gw, messages.Options{DefaultLanguage: "en"})

	h, err := messages.EnsureFromDefaults(ctx, s, &greetingBundle{Welcome: "Welcome, {name}!"}).Wait(ctx)
	require.NoError(t, err)

	out, err := s.Format(ctx, h, "en", "welcome", map[string]interface{}{"name": "Alex"}).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "Welcome, Alex!", out)
}

func TestEnsureFromDefaultsPreservesTranslatorEdit(t *testing.T) {
	client := requireMongo(t)
	ctx := context.Background()
	coll := client.Database("mongoconfigs_test").Collection("messages_greeting")
	defer coll.Drop(ctx)

	gw := gateway.New(client, gateway.Options{})
	s := messages.New(gw, messages.Options{DefaultLanguage: "en"})

	_, err := messages.EnsureFromDefaults(ctx, s, &greetingBundle{Welcome: "Welcome, {name}!"}).Wait(ctx)
	require.NoError(t, err)

	_, err = coll.UpdateOne(ctx, bson.M{"_id": "greeting:pl"}, bson.M{"$set": bson.M{"welcome": "Witaj, {name}!"}})
	require.NoError(t, err)

	h, err := messages.EnsureFromDefaults(ctx, s, &greetingBundle{Welcome: "Welcome, {name}!"}).Wait(ctx)
	require.NoError(t, err)

	pl, err := s.Get(ctx, h, "pl", "welcome").Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "Witaj, {name}!", pl)

	en, err := s.Get(ctx, h, "en", "welcome").Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "Welcome, {name}!", en)
}

func TestFormatPluralAndUnknownPlaceholder(t *testing.T) {
	require.Equal(t, "x {b}", messages.Format("{a} {b}", map[string]interface{}{"a": "x"}))

	tmpl := "{plural:{count}|one:Found {count} item|other:Found {count} items}"
	require.Equal(t, "Found 1 item", messages.Format(tmpl, map[string]interface{}{"count": 1}))
	require.Equal(t, "Found 5 items", messages.Format(tmpl, map[string]interface{}{"count": 5}))
}

func TestLanguagesReturnsSupersetOfDeclaredSet(t *testing.T) {
	client := requireMongo(t)
	ctx := context.Background()
	coll := client.Database("mongoconfigs_test").Collection("messages_greeting")
	defer coll.Drop(ctx)

	gw := gateway.New(client, gateway.Options{})
	s := messages.New(gw, messages.Options{DefaultLanguage: "en"})

	h, err := messages.EnsureFromDefaults(ctx, s, &greetingBundle{Welcome: "Welcome, {name}!"}).Wait(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"en", "pl"}, h.Languages())

	// A translator tool installs an undeclared language directly; the
	// bundle never declared "de" as supported.
	_, err = coll.InsertOne(ctx, bson.M{
		"_id":        "greeting:de",
		"documentId": "greeting",
		"lang":       "de",
		"welcome":    "Willkommen, {name}!",
	})
	require.NoError(t, err)

	langs, err := s.Languages(ctx, h).Wait(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"en", "pl", "de"}, langs)
}

func TestGetFallsBackToKeyWhenMissing(t *testing.T) {
	client := requireMongo(t)
	ctx := context.Background()
	defer client.Database("mongoconfigs_test").Collection("messages_greeting").Drop(ctx)

	gw := gateway.New(client, gateway.Options{})
	s := messages.New(gw, messages.Options{DefaultLanguage: "en"})

	h, err := messages.EnsureFromDefaults(ctx, s, &greetingBundle{Welcome: "Welcome, {name}!"}).Wait(ctx)
	require.NoError(t, err)

	val, err := s.Get(ctx, h, "en", "does-not-exist").Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "does-not-exist", val)
}
