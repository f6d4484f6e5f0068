// Package gateway is the thin storage gateway (C3): collection resolution,
// upsert, find-by-id, bulk writes and change-stream subscription over the
// official MongoDB driver. It generalizes the teacher wrapper's collection
// caching and safe/mode translation into a pool-backed, context-scoped API
// instead of a drop-in mgo shim.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/riftforge/mongoconfigs/internal/corelog"
	"github.com/riftforge/mongoconfigs/internal/errs"
	"github.com/riftforge/mongoconfigs/internal/future"
)

// Options configures a Gateway's pooling, deadlines and write/read
// concerns, populated from the root package's Options.
type Options struct {
	// StoragePoolSize bounds concurrent in-flight gateway operations.
	StoragePoolSize int
	// DefaultDeadline is applied to operations whose caller context carries
	// no deadline of its own.
	DefaultDeadline time.Duration
	// ReadPreference defaults to primary when nil.
	ReadPreference *readpref.ReadPref
	// WriteConcern defaults to w:majority when nil.
	WriteConcern *writeconcern.WriteConcern
	// MaxReadRetries bounds the idempotent-read retry count before
	// surfacing errs.TransportFailure.
	MaxReadRetries int
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.StoragePoolSize <= 0 {
		o.StoragePoolSize = 16
	}
	if o.DefaultDeadline <= 0 {
		o.DefaultDeadline = 10 * time.Second
	}
	if o.ReadPreference == nil {
		o.ReadPreference = readpref.Primary()
	}
	if o.WriteConcern == nil {
		o.WriteConcern = writeconcern.Majority()
	}
	if o.MaxReadRetries <= 0 {
		o.MaxReadRetries = 3
	}
	o.Logger = corelog.OrNop(o.Logger)
	return o
}

// Gateway wraps a single shared *mongo.Client, matching the "storage client
// is a single, thread-safe handle shared across all components" guarantee.
type Gateway struct {
	client *mongo.Client
	opts   Options

	sem chan struct{}

	mu    sync.Mutex
	colls map[string]*mongo.Collection
}

// New wraps an already-connected *mongo.Client. The Gateway never owns the
// client's lifecycle; callers connect and disconnect it themselves.
func New(client *mongo.Client, opts Options) *Gateway {
	opts = opts.withDefaults()
	return &Gateway{
		client: client,
		opts:   opts,
		sem:    make(chan struct{}, opts.StoragePoolSize),
		colls:  make(map[string]*mongo.Collection),
	}
}

// Collection returns a cached handle for (db, name); handles are opened once
// and reused for the Gateway's lifetime, per "no handle is reopened per
// call".
func (g *Gateway) Collection(db, name string) *mongo.Collection {
	key := db + "/" + name
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.colls[key]; ok {
		return c
	}
	c := g.client.Database(db, options.Database().SetReadConcern(readconcern.Majority())).
		Collection(name, options.Collection().
			SetReadPreference(g.opts.ReadPreference).
			SetWriteConcern(g.opts.WriteConcern))
	g.colls[key] = c
	return c
}

func (g *Gateway) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) release() { <-g.sem }

func (g *Gateway) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.opts.DefaultDeadline)
}

// FindByID returns a *Future resolving to the document, or
// errs.NotFound if absent. Idempotent reads are retried up to
// MaxReadRetries times on transport errors before surfacing
// errs.TransportFailure.
func (g *Gateway) FindByID(ctx context.Context, db, coll, id string) *future.Future[bson.M] {
	return future.New(func() (bson.M, error) {
		if err := g.acquire(ctx); err != nil {
			return nil, errs.Wrap(errs.TransportFailure, err)
		}
		defer g.release()

		var lastErr error
		for attempt := 0; attempt <= g.opts.MaxReadRetries; attempt++ {
			opCtx, cancel := g.deadline(ctx)
			var doc bson.M
			err := g.Collection(db, coll).FindOne(opCtx, bson.M{"_id": id}).Decode(&doc)
			cancel()

			if err == nil {
				return doc, nil
			}
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, errs.ErrNotFound
			}
			lastErr = err
			select {
			case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.TransportFailure, ctx.Err())
			}
		}
		g.opts.Logger.Warn("findById exhausted retries", zap.String("db", db), zap.String("coll", coll), zap.String("id", id), zap.Error(lastErr))
		return nil, errs.Wrap(errs.TransportFailure, lastErr)
	})
}

// UpsertByID writes doc under _id=id, creating the document if absent.
func (g *Gateway) UpsertByID(ctx context.Context, db, coll, id string, doc bson.M) *future.Future[struct{}] {
	return future.New(func() (struct{}, error) {
		if err := g.acquire(ctx); err != nil {
			return struct{}{}, errs.Wrap(errs.TransportFailure, err)
		}
		defer g.release()

		opCtx, cancel := g.deadline(ctx)
		defer cancel()

		body := bson.M{}
		for k, v := range doc {
			if k == "_id" {
				continue
			}
			body[k] = v
		}
		_, err := g.Collection(db, coll).UpdateOne(opCtx,
			bson.M{"_id": id},
			bson.M{"$set": body},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return struct{}{}, errs.Wrap(errs.TransportFailure, err)
		}
		return struct{}{}, nil
	})
}

// BulkItem is one upsert in a BulkUpsert batch.
type BulkItem struct {
	ID  string
	Doc bson.M
}

// BulkUpsert writes many documents in a single unordered bulk operation, the
// primitive backing the Language Store's write-behind batching.
func (g *Gateway) BulkUpsert(ctx context.Context, db, coll string, items []BulkItem) *future.Future[struct{}] {
	return future.New(func() (struct{}, error) {
		if len(items) == 0 {
			return struct{}{}, nil
		}
		if err := g.acquire(ctx); err != nil {
			return struct{}{}, errs.Wrap(errs.TransportFailure, err)
		}
		defer g.release()

		opCtx, cancel := g.deadline(ctx)
		defer cancel()

		models := make([]mongo.WriteModel, 0, len(items))
		for _, it := range items {
			body := bson.M{}
			for k, v := range it.Doc {
				if k == "_id" {
					continue
				}
				body[k] = v
			}
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": it.ID}).
				SetUpdate(bson.M{"$set": body}).
				SetUpsert(true))
		}

		_, err := g.Collection(db, coll).BulkWrite(opCtx, models, options.BulkWrite().SetOrdered(false))
		if err != nil {
			return struct{}{}, errs.Wrap(errs.TransportFailure, err)
		}
		return struct{}{}, nil
	})
}

// DeleteByID removes the document with the given id, if present.
func (g *Gateway) DeleteByID(ctx context.Context, db, coll, id string) *future.Future[struct{}] {
	return future.New(func() (struct{}, error) {
		if err := g.acquire(ctx); err != nil {
			return struct{}{}, errs.Wrap(errs.TransportFailure, err)
		}
		defer g.release()

		opCtx, cancel := g.deadline(ctx)
		defer cancel()

		_, err := g.Collection(db, coll).DeleteOne(opCtx, bson.M{"_id": id})
		if err != nil {
			return struct{}{}, errs.Wrap(errs.TransportFailure, err)
		}
		return struct{}{}, nil
	})
}

// Distinct returns the distinct values of field across documents matching
// filter in (db, coll). Used to discover persisted values that are not
// otherwise indexed by id, e.g. the messages store's set of languages
// actually persisted for a document (I3's declared-set superset).
func (g *Gateway) Distinct(ctx context.Context, db, coll, field string, filter bson.M) *future.Future[[]interface{}] {
	return future.New(func() ([]interface{}, error) {
		if err := g.acquire(ctx); err != nil {
			return nil, errs.Wrap(errs.TransportFailure, err)
		}
		defer g.release()

		opCtx, cancel := g.deadline(ctx)
		defer cancel()

		values, err := g.Collection(db, coll).Distinct(opCtx, field, filter)
		if err != nil {
			return nil, errs.Wrap(errs.TransportFailure, err)
		}
		return values, nil
	})
}

// WatchRaw opens a change stream on (db, coll) filtered by pipeline,
// resuming from resumeToken when non-nil. It does not manage retries or
// resume-token persistence; streampump.Pump owns that policy.
func (g *Gateway) WatchRaw(ctx context.Context, db, coll string, pipeline mongo.Pipeline, resumeToken bson.Raw, startAt *bson.Timestamp) (*mongo.ChangeStream, error) {
	csOpts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetMaxAwaitTime(2 * time.Second)
	if resumeToken != nil {
		csOpts.SetResumeAfter(resumeToken)
	} else if startAt != nil {
		csOpts.SetStartAtOperationTime(startAt)
	}

	stream, err := g.Collection(db, coll).Watch(ctx, pipeline, csOpts)
	if err != nil {
		return nil, errs.Wrap(errs.TransportFailure, err)
	}
	return stream, nil
}

// ResumeTokenStore persists the single resume token for a (db, coll,
// consumer) triple into a dedicated collection, so a restarted pump resumes
// without replaying or losing events.
type ResumeTokenStore struct {
	gw       *Gateway
	db, coll string
}

// NewResumeTokenStore returns a store backed by the "_resume_tokens"
// collection of db.
func NewResumeTokenStore(gw *Gateway, db string) *ResumeTokenStore {
	return &ResumeTokenStore{gw: gw, db: db, coll: "_resume_tokens"}
}

func (s *ResumeTokenStore) key(watchedColl, consumer string) string {
	return fmt.Sprintf("%s:%s", watchedColl, consumer)
}

// Load returns the persisted resume token, or nil if none is stored. The
// token is stored as opaque bytes (primitive.Binary) rather than as a
// sub-document, since a resume token's internal shape is a driver
// implementation detail we never need to query against.
func (s *ResumeTokenStore) Load(ctx context.Context, watchedColl, consumer string) (bson.Raw, error) {
	doc, err := s.gw.FindByID(ctx, s.db, s.coll, s.key(watchedColl, consumer)).Wait(ctx)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	switch v := doc["token"].(type) {
	case primitive.Binary:
		return bson.Raw(v.Data), nil
	case []byte:
		return bson.Raw(v), nil
	default:
		return nil, nil
	}
}

// Save persists token for (watchedColl, consumer).
func (s *ResumeTokenStore) Save(ctx context.Context, watchedColl, consumer string, token bson.Raw) error {
	_, err := s.gw.UpsertByID(ctx, s.db, s.coll, s.key(watchedColl, consumer),
		bson.M{"token": primitive.Binary{Data: []byte(token)}}).Wait(ctx)
	return err
}
