// Package service defines the remote data service contract used by the
// migration engine, plus the per-run context built around it.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
)

// ErrUnknownObject is returned when a data service has no such object type.
var ErrUnknownObject = errors.New("unknown object type")

// FieldType is the wire type of a field
type FieldType string

const (
	TypeID        FieldType = "id"
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeDouble    FieldType = "double"
	TypeCurrency  FieldType = "currency"
	TypePercent   FieldType = "percent"
	TypeBoolean   FieldType = "boolean"
	TypeDate      FieldType = "date"
	TypeDateTime  FieldType = "datetime"
	TypeTime      FieldType = "time"
	TypeBase64    FieldType = "base64"
	TypeReference FieldType = "reference"
)

// Field describes one field of an object type
type Field struct {
	Name             string
	Type             FieldType
	Creatable        bool
	Updatable        bool
	Calculated       bool
	ReferenceTargets []string
}

// Subtype is a record sub-type of an object
type Subtype struct {
	ID   string
	Name string
}

// Description is the schema of an object type as reported by a data service.
// Schemaless is set by stores that accept any field on an object they hold no
// schema or documents for.
type Description struct {
	Object     string
	Fields     []Field
	Subtypes   []Subtype
	Schemaless bool
}

// Cursor iterates over query results. Next returns nil, nil once exhausted.
type Cursor interface {
	Next(ctx context.Context) (*common.Record, error)
	Close(ctx context.Context) error
}

// DataService is a remote store of object records. Write calls return one
// result per input record, in input order; a non-nil error means the call
// itself failed and no per-record results are available.
type DataService interface {
	Describe(ctx context.Context, object string) (*Description, error)
	Query(ctx context.Context, object string, fields []string, filter string) (Cursor, error)
	Create(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error)
	Update(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error)
	Upsert(ctx context.Context, object, externalIDField string, records []*common.Record) ([]common.SaveResult, error)
	Delete(ctx context.Context, object string, ids []string) ([]common.SaveResult, error)
	Close(ctx context.Context) error
}

// Pinger is implemented by services whose session can be refreshed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Drain runs fn for every record of the cursor and closes it.
func Drain(ctx context.Context, cur Cursor, fn func(*common.Record) error) (err error) {
	defer func() {
		if cerr := cur.Close(ctx); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close cursor: %w", cerr)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Count returns the number of records of object matching filter
func Count(ctx context.Context, svc DataService, object, filter string) (int, error) {
	cur, err := svc.Query(ctx, object, nil, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", object, err)
	}
	n := 0
	err = Drain(ctx, cur, func(*common.Record) error {
		n++
		return nil
	})
	return n, err
}

// Check validates the shape of a write call result
func Check(results []common.SaveResult, want int) error {
	if len(results) != want {
		return fmt.Errorf("data service returned %d results for %d records", len(results), want)
	}
	return nil
}
