// Package db implements the data service on top of MongoDB. Every object
// type is a collection and records are documents keyed by _id.
package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// describeSample is the number of documents inspected to infer a schema
const describeSample = 200

// MongoDB represents a MongoDB connection
type MongoDB struct {
	client            *mongo.Client
	database          *mongo.Database
	subtypeCollection string
	log               *logger.Logger

	mu    sync.Mutex
	types map[string]map[string]service.FieldType
}

var _ service.DataService = (*MongoDB)(nil)
var _ service.Pinger = (*MongoDB)(nil)

// NewMongoDB creates a new MongoDB connection. Record sub-types are read
// from subtypeCollection, whose documents carry object and name fields.
func NewMongoDB(ctx context.Context, connectionString, databaseName, subtypeCollection string, log *logger.Logger) (*MongoDB, error) {
	// Set client options
	clientOptions := options.Client().
		ApplyURI(connectionString).
		SetMaxPoolSize(256).
		SetMinPoolSize(16).
		SetConnectTimeout(30 * time.Second).
		SetSocketTimeout(120 * time.Second)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoDB{
		client:            client,
		database:          client.Database(databaseName),
		subtypeCollection: subtypeCollection,
		log:               log,
		types:             make(map[string]map[string]service.FieldType),
	}, nil
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Ping verifies the connection is still usable
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// GetDatabaseName returns the database name
func (m *MongoDB) GetDatabaseName() string {
	return m.database.Name()
}

// Describe infers the schema of a collection from a sample of its documents.
// _id is the id field and object id values are references. A missing or empty
// collection describes as schemaless.
func (m *MongoDB) Describe(ctx context.Context, object string) (*service.Description, error) {
	names, err := m.database.ListCollectionNames(ctx, bson.M{"name": object})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	var docs []bson.M
	if len(names) > 0 {
		cur, err := m.database.Collection(object).Find(ctx, bson.D{}, options.Find().SetLimit(describeSample))
		if err != nil {
			return nil, fmt.Errorf("failed to sample %s: %w", object, err)
		}
		if err := cur.All(ctx, &docs); err != nil {
			return nil, fmt.Errorf("failed to sample %s: %w", object, err)
		}
	}

	desc, types := describeDocuments(object, docs)
	if desc.Schemaless {
		m.log.WithObject(object).Debug("No documents to sample, describing as schemaless")
	} else {
		m.mu.Lock()
		m.types[object] = types
		m.mu.Unlock()
	}

	desc.Subtypes, err = m.subtypes(ctx, object)
	if err != nil {
		return nil, err
	}
	return desc, nil
}

func (m *MongoDB) subtypes(ctx context.Context, object string) ([]service.Subtype, error) {
	if m.subtypeCollection == "" {
		return nil, nil
	}
	cur, err := m.database.Collection(m.subtypeCollection).Find(ctx, bson.M{"object": object})
	if err != nil {
		return nil, fmt.Errorf("failed to read record types of %s: %w", object, err)
	}
	var docs []struct {
		ID   interface{} `bson:"_id"`
		Name string      `bson:"name"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read record types of %s: %w", object, err)
	}
	out := make([]service.Subtype, 0, len(docs))
	for _, d := range docs {
		out = append(out, service.Subtype{ID: common.StringValue(fromBSON(d.ID)), Name: d.Name})
	}
	return out, nil
}

func sortedFields(types map[string]service.FieldType) []string {
	out := make([]string, 0, len(types))
	for k := range types {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fieldTypes returns the known field types of object, describing it on
// first use.
func (m *MongoDB) fieldTypes(ctx context.Context, object string) map[string]service.FieldType {
	m.mu.Lock()
	types, ok := m.types[object]
	m.mu.Unlock()
	if ok {
		return types
	}
	if _, err := m.Describe(ctx, object); err != nil {
		m.log.WithObject(object).Debugf("No schema for writes: %v", err)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types[object]
}

// Query returns the documents of object matching filter, an extended JSON
// query document. fields limits the returned fields when not empty.
func (m *MongoDB) Query(ctx context.Context, object string, fields []string, filter string) (service.Cursor, error) {
	query, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetBatchSize(int32(200))
	if len(fields) > 0 {
		projection := bson.M{}
		for _, f := range fields {
			if f != common.IDField {
				projection[f] = 1
			}
		}
		opts.SetProjection(projection)
	}
	cur, err := m.database.Collection(object).Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", object, err)
	}
	return &cursor{object: object, cur: cur}, nil
}

// parseFilter decodes an extended JSON query. An empty filter matches all.
func parseFilter(filter string) (bson.M, error) {
	query := bson.M{}
	if strings.TrimSpace(filter) == "" {
		return query, nil
	}
	if err := bson.UnmarshalExtJSON([]byte(filter), false, &query); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
	}
	return query, nil
}

type cursor struct {
	object string
	cur    *mongo.Cursor
}

func (c *cursor) Next(ctx context.Context) (*common.Record, error) {
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", c.object, err)
		}
		return nil, nil
	}
	var doc bson.M
	if err := c.cur.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s document: %w", c.object, err)
	}
	return toRecord(c.object, doc), nil
}

func (c *cursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

// Create inserts records with new object ids, unordered
func (m *MongoDB) Create(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error) {
	types := m.fieldTypes(ctx, object)
	docs := make([]interface{}, len(records))
	results := make([]common.SaveResult, len(records))
	for i, r := range records {
		id := primitive.NewObjectID()
		doc := toDocument(r, types)
		doc["_id"] = id
		docs[i] = doc
		results[i] = common.Succeeded(id.Hex())
	}

	_, err := m.database.Collection(object).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return m.merge(object, "insert", results, err)
}

// Update sets the fields of existing documents by id
func (m *MongoDB) Update(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error) {
	types := m.fieldTypes(ctx, object)
	models := make([]mongo.WriteModel, len(records))
	results := make([]common.SaveResult, len(records))
	for i, r := range records {
		models[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": idValue(r.ID)}).
			SetUpdate(updateDocument(r, types))
		results[i] = common.Succeeded(r.ID)
	}

	_, err := m.database.Collection(object).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return m.merge(object, "update", results, err)
}

// Upsert updates the document whose externalIDField matches each record,
// or inserts one, and returns the id of every written document.
func (m *MongoDB) Upsert(ctx context.Context, object, externalIDField string, records []*common.Record) ([]common.SaveResult, error) {
	types := m.fieldTypes(ctx, object)
	coll := m.database.Collection(object)

	var models []mongo.WriteModel
	var index []int
	var keys []interface{}
	results := make([]common.SaveResult, len(records))
	for i, r := range records {
		key, ok := r.Fields[externalIDField]
		if !ok || common.IsEmpty(key) {
			results[i] = common.Failed(common.CodeRequiredFieldMissing, "missing external id "+externalIDField, externalIDField)
			continue
		}
		key = toBSON(key, types[externalIDField])
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{externalIDField: key}).
			SetUpdate(updateDocument(r, types)).
			SetUpsert(true))
		index = append(index, i)
		keys = append(keys, key)
	}
	if len(models) == 0 {
		return results, nil
	}

	_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	failures, ok := bulkFailures(err)
	if err != nil && !ok {
		return nil, fmt.Errorf("failed to upsert %s: %w", object, err)
	}

	// Resolve the ids of both inserted and matched documents
	cur, err := coll.Find(ctx, bson.M{externalIDField: bson.M{"$in": keys}},
		options.Find().SetProjection(bson.M{"_id": 1, externalIDField: 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to read upserted %s ids: %w", object, err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read upserted %s ids: %w", object, err)
	}
	ids := make(map[string]string, len(docs))
	for _, d := range docs {
		ids[common.StringValue(fromBSON(d[externalIDField]))] = common.StringValue(fromBSON(d["_id"]))
	}

	for n, i := range index {
		if f, failed := failures[n]; failed {
			results[i] = f
			continue
		}
		id, found := ids[common.StringValue(fromBSON(keys[n]))]
		if !found {
			results[i] = common.Failed(common.CodeUnknown, "upserted document not found")
			continue
		}
		results[i] = common.Succeeded(id)
	}
	return results, nil
}

// Delete removes documents by id. Ids with no document fail with
// ENTITY_IS_DELETED.
func (m *MongoDB) Delete(ctx context.Context, object string, ids []string) ([]common.SaveResult, error) {
	coll := m.database.Collection(object)
	keys := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = idValue(id)
	}

	cur, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": keys}}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s ids: %w", object, err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read %s ids: %w", object, err)
	}
	existing := make(map[string]bool, len(docs))
	for _, d := range docs {
		existing[common.StringValue(fromBSON(d["_id"]))] = true
	}

	results := make([]common.SaveResult, len(ids))
	var models []mongo.WriteModel
	var index []int
	for i, id := range ids {
		if !existing[id] {
			results[i] = common.Failed(common.CodeEntityNotFound, fmt.Sprintf("no %s document with id %q", object, id))
			continue
		}
		models = append(models, mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": keys[i]}))
		index = append(index, i)
		results[i] = common.Succeeded(id)
	}
	if len(models) == 0 {
		return results, nil
	}

	_, err = coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	failures, ok := bulkFailures(err)
	if err != nil && !ok {
		return nil, fmt.Errorf("failed to delete %s: %w", object, err)
	}
	for n, f := range failures {
		results[index[n]] = f
	}
	return results, nil
}

// merge applies the per-record failures of a bulk write onto results, whose
// indexes match the write models. Any other error fails the whole call.
func (m *MongoDB) merge(object, op string, results []common.SaveResult, err error) ([]common.SaveResult, error) {
	if err == nil {
		return results, nil
	}
	failures, ok := bulkFailures(err)
	if !ok {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to %s %s: %w", op, object, err)
	}
	for i, f := range failures {
		results[i] = f
	}
	m.log.WithObject(object).Debugf("%d of %d %s operations failed", len(failures), len(results), op)
	return results, nil
}
