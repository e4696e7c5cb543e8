package es

import (
	"context"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v7/esapi"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

const (
	scrollPage = 200
	scrollTime = "5m"
)

var _ service.DataService = (*ElasticsearchClient)(nil)
var _ service.Pinger = (*ElasticsearchClient)(nil)

// Index returns the index holding the records of object
func (e *ElasticsearchClient) Index(object string) string {
	return e.indexPrefix + strings.ToLower(object)
}

// Describe reads the schema of an object from its index mapping
func (e *ElasticsearchClient) Describe(ctx context.Context, object string) (*service.Description, error) {
	index := e.Index(object)
	mappings, err := e.GetMappings(ctx, index)
	if err != nil {
		return nil, err
	}
	return describe(object, mappingFields(index, mappings)), nil
}

// Query scrolls the documents of object matching filter
func (e *ElasticsearchClient) Query(ctx context.Context, object string, fields []string, filter string) (service.Cursor, error) {
	query, err := parseQuery(filter)
	if err != nil {
		return nil, err
	}
	var source []string
	for _, f := range fields {
		if f != common.IDField {
			source = append(source, f)
		}
	}
	it, err := e.ScrollDocuments(ctx, e.Index(object), scrollPage, scrollTime, query, source)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", object, err)
	}
	return &cursor{object: object, it: it}, nil
}

type cursor struct {
	object string
	it     *ScrollIterator
}

func (c *cursor) Next(ctx context.Context) (*common.Record, error) {
	h, err := c.it.Next(ctx)
	if err != nil || h == nil {
		return nil, err
	}
	return h.toRecord(c.object), nil
}

func (c *cursor) Close(ctx context.Context) error {
	return c.it.Close(ctx)
}

// Create indexes new documents with generated ids
func (e *ElasticsearchClient) Create(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error) {
	actions := make([]bulkAction, len(records))
	for i, r := range records {
		actions[i] = bulkAction{Op: "create", Doc: toSource(r)}
	}
	return e.bulk(ctx, object, actions)
}

// Update applies partial documents by id
func (e *ElasticsearchClient) Update(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error) {
	actions := make([]bulkAction, len(records))
	for i, r := range records {
		actions[i] = bulkAction{Op: "update", ID: r.ID, Doc: toSource(r)}
	}
	return e.bulk(ctx, object, actions)
}

// Upsert updates the documents whose externalIDField matches and creates the
// others.
func (e *ElasticsearchClient) Upsert(ctx context.Context, object, externalIDField string, records []*common.Record) ([]common.SaveResult, error) {
	results := make([]common.SaveResult, len(records))
	var values []interface{}
	for _, r := range records {
		if v := r.Fields[externalIDField]; !common.IsEmpty(v) {
			values = append(values, common.StringValue(v))
		}
	}

	existing := map[string]string{}
	if len(values) > 0 {
		query := map[string]interface{}{"terms": map[string]interface{}{externalIDField: values}}
		it, err := e.ScrollDocuments(ctx, e.Index(object), scrollPage, scrollTime, query, []string{externalIDField})
		if err != nil {
			return nil, fmt.Errorf("failed to match %s by %s: %w", object, externalIDField, err)
		}
		err = service.Drain(ctx, &cursor{object: object, it: it}, func(rec *common.Record) error {
			existing[common.StringValue(rec.Fields[externalIDField])] = rec.ID
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to match %s by %s: %w", object, externalIDField, err)
		}
	}

	var actions []bulkAction
	var index []int
	for i, r := range records {
		v := r.Fields[externalIDField]
		if common.IsEmpty(v) {
			results[i] = common.Failed(common.CodeRequiredFieldMissing, "missing external id "+externalIDField, externalIDField)
			continue
		}
		if id, ok := existing[common.StringValue(v)]; ok {
			actions = append(actions, bulkAction{Op: "update", ID: id, Doc: toSource(r)})
		} else {
			actions = append(actions, bulkAction{Op: "create", Doc: toSource(r)})
		}
		index = append(index, i)
	}
	if len(actions) == 0 {
		return results, nil
	}

	out, err := e.bulk(ctx, object, actions)
	if err != nil {
		return nil, err
	}
	for n, i := range index {
		results[i] = out[n]
	}
	return results, nil
}

// Delete removes documents by id
func (e *ElasticsearchClient) Delete(ctx context.Context, object string, ids []string) ([]common.SaveResult, error) {
	actions := make([]bulkAction, len(ids))
	for i, id := range ids {
		actions[i] = bulkAction{Op: "delete", ID: id}
	}
	return e.bulk(ctx, object, actions)
}

// bulk runs actions against the index of object. Writes are visible to
// searches once the call returns.
func (e *ElasticsearchClient) bulk(ctx context.Context, object string, actions []bulkAction) ([]common.SaveResult, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	index := e.Index(object)
	body, err := bulkBody(index, actions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bulk request: %w", err)
	}

	req := esapi.BulkRequest{
		Index:   index,
		Body:    body,
		Refresh: "wait_for",
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", object, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("failed to write %s: %s", object, res.String())
	}

	results, err := bulkResults(res.Body, len(actions))
	if err != nil {
		return nil, err
	}
	e.log.WithObject(object).Debugf("Bulk wrote %d documents to %s", len(actions), index)
	return results, nil
}
