package es

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// Hit is one document of a search page
type Hit struct {
	ID     string                 `json:"_id"`
	Index  string                 `json:"_index"`
	Source map[string]interface{} `json:"_source"`
}

type page struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
}

// decodePage decodes a search response, keeping numbers in their literal form
func decodePage(r io.Reader) (*page, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var p page
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// toRecord converts a hit into a record. Numbers are kept as strings and
// parsed against the field type when transformed.
func (h *Hit) toRecord(object string) *common.Record {
	rec := common.NewRecord(object)
	rec.ID = h.ID
	for k, v := range h.Source {
		if n, ok := v.(json.Number); ok {
			v = n.String()
		}
		rec.Set(k, v)
	}
	return rec
}

// fieldType maps an index mapping type onto a field type. ok is false for
// types that cannot be carried, such as objects and geo shapes.
func fieldType(mappingType string) (service.FieldType, bool) {
	switch mappingType {
	case "keyword", "text", "wildcard", "constant_keyword", "match_only_text":
		return service.TypeString, true
	case "long", "integer", "short", "byte", "unsigned_long":
		return service.TypeInt, true
	case "double", "float", "half_float", "scaled_float":
		return service.TypeDouble, true
	case "boolean":
		return service.TypeBoolean, true
	case "date", "date_nanos":
		return service.TypeDateTime, true
	case "binary":
		return service.TypeBase64, true
	}
	return "", false
}

// mappingFields extracts the top level field types of an index from a get
// mapping response.
func mappingFields(index string, mappings map[string]interface{}) map[string]service.FieldType {
	types := map[string]service.FieldType{common.IDField: service.TypeID}

	entry, ok := mappings[index].(map[string]interface{})
	if !ok {
		// The index may be an alias, whose response is keyed by the concrete index
		for _, v := range mappings {
			if entry, ok = v.(map[string]interface{}); ok {
				break
			}
		}
	}
	m, _ := entry["mappings"].(map[string]interface{})
	props, _ := m["properties"].(map[string]interface{})
	for name, p := range props {
		prop, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := prop["type"].(string)
		if t, ok := fieldType(typ); ok {
			types[name] = t
		}
	}
	return types
}

func describe(object string, types map[string]service.FieldType) *service.Description {
	names := make([]string, 0, len(types))
	for k := range types {
		names = append(names, k)
	}
	sort.Strings(names)

	desc := &service.Description{Object: object}
	for _, name := range names {
		f := service.Field{Name: name, Type: types[name]}
		if name != common.IDField {
			f.Creatable, f.Updatable = true, true
		}
		desc.Fields = append(desc.Fields, f)
	}
	return desc
}

// parseQuery turns a filter into a query clause. A filter starting with a
// brace is a query DSL object, anything else a query string.
func parseQuery(filter string) (map[string]interface{}, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, nil
	}
	if strings.HasPrefix(filter, "{") {
		var q map[string]interface{}
		if err := json.Unmarshal([]byte(filter), &q); err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
		}
		return q, nil
	}
	return map[string]interface{}{
		"query_string": map[string]interface{}{"query": filter},
	}, nil
}

// toSource converts the fields of a record into a document source.
// Explicit nulls are written as JSON nulls.
func toSource(rec *common.Record) map[string]interface{} {
	src := make(map[string]interface{}, len(rec.Fields)+len(rec.FieldsToNull))
	for k, v := range rec.Fields {
		if k == common.IDField {
			continue
		}
		switch t := v.(type) {
		case common.Decimal:
			v = json.Number(string(t))
		case time.Time:
			v = t.UTC().Format(time.RFC3339Nano)
		}
		src[k] = v
	}
	for _, f := range rec.FieldsToNull {
		src[f] = nil
	}
	return src
}

// bulkAction is one action of a bulk request
type bulkAction struct {
	Op  string
	ID  string
	Doc map[string]interface{}
}

// bulkBody encodes actions as newline delimited JSON
func bulkBody(index string, actions []bulkAction) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, a := range actions {
		meta := map[string]interface{}{"_index": index}
		if a.ID != "" {
			meta["_id"] = a.ID
		}
		if err := enc.Encode(map[string]interface{}{a.Op: meta}); err != nil {
			return nil, err
		}
		switch a.Op {
		case "delete":
			continue
		case "update":
			if err := enc.Encode(map[string]interface{}{"doc": a.Doc}); err != nil {
				return nil, err
			}
		default:
			if err := enc.Encode(a.Doc); err != nil {
				return nil, err
			}
		}
	}
	return &buf, nil
}

type bulkResponse struct {
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Result string `json:"result"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// bulkResults converts the items of a bulk response into save results
func bulkResults(r io.Reader, want int) ([]common.SaveResult, error) {
	var resp bulkResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if len(resp.Items) != want {
		return nil, fmt.Errorf("bulk response has %d items for %d actions", len(resp.Items), want)
	}
	out := make([]common.SaveResult, len(resp.Items))
	for i, item := range resp.Items {
		for _, res := range item {
			out[i] = itemResult(res)
		}
	}
	return out, nil
}

func itemResult(res bulkItemResult) common.SaveResult {
	if res.Error == nil {
		if res.Status == http.StatusNotFound {
			return common.Failed(common.CodeEntityNotFound, "document "+res.ID+" not found")
		}
		return common.Succeeded(res.ID)
	}
	msg := res.Error.Reason
	switch res.Error.Type {
	case "version_conflict_engine_exception", "es_rejected_execution_exception", "cluster_block_exception":
		return common.Failed(common.CodeLockContention, msg)
	case "document_missing_exception":
		return common.Failed(common.CodeEntityNotFound, msg)
	case "mapper_parsing_exception", "strict_dynamic_mapping_exception", "illegal_argument_exception":
		return common.Failed(common.CodeInvalidField, msg)
	}
	if res.Status == http.StatusTooManyRequests {
		return common.Failed(common.CodeLockContention, msg)
	}
	return common.Failed(common.CodeUnknown, res.Error.Type+": "+msg)
}
