package db

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// Server error codes mapped onto write error codes
const (
	codeDuplicateKey       = 11000
	codeDuplicateKeyLegacy = 11001
	codeWriteConflict      = 112
	codeValidationFailed   = 121
	codeLockTimeout        = 24
)

// fromBSON converts a stored value into the record value model
func fromBSON(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Decimal128:
		if d, err := common.ParseDecimal(t.String()); err == nil {
			return d
		}
		return t.String()
	case primitive.Binary:
		return t.Data
	case int32:
		return int64(t)
	case primitive.Null, primitive.Undefined:
		return nil
	}
	return v
}

// toBSON converts a record value into its stored form. Reference values
// holding an object id in hex form are stored as object ids.
func toBSON(v interface{}, typ service.FieldType) interface{} {
	switch t := v.(type) {
	case common.Decimal:
		if d, err := primitive.ParseDecimal128(string(t)); err == nil {
			return d
		}
		return string(t)
	case time.Time:
		return primitive.NewDateTimeFromTime(t)
	case []byte:
		return primitive.Binary{Data: t}
	case string:
		if typ == service.TypeReference || typ == service.TypeID {
			return idValue(t)
		}
	}
	return v
}

// idValue returns the object id of a hex id, or the id itself
func idValue(id string) interface{} {
	if len(id) == 24 {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			return oid
		}
	}
	return id
}

// bsonType returns the field type of a stored value. ok is false for values
// that cannot be carried, such as embedded documents and arrays.
func bsonType(v interface{}) (service.FieldType, bool) {
	switch v.(type) {
	case primitive.ObjectID:
		return service.TypeReference, true
	case string, primitive.Symbol:
		return service.TypeString, true
	case int32, int64:
		return service.TypeInt, true
	case float64:
		return service.TypeDouble, true
	case primitive.Decimal128:
		return service.TypeCurrency, true
	case bool:
		return service.TypeBoolean, true
	case primitive.DateTime, primitive.Timestamp:
		return service.TypeDateTime, true
	case primitive.Binary:
		return service.TypeBase64, true
	}
	return "", false
}

// describeDocuments infers field types from sampled documents. The first
// typed value of a field wins. No documents yields a schemaless description.
func describeDocuments(object string, docs []bson.M) (*service.Description, map[string]service.FieldType) {
	types := map[string]service.FieldType{common.IDField: service.TypeID}
	for _, doc := range docs {
		for k, v := range doc {
			if k == "_id" {
				continue
			}
			if _, seen := types[k]; seen {
				continue
			}
			if t, ok := bsonType(v); ok {
				types[k] = t
			}
		}
	}

	desc := &service.Description{Object: object, Schemaless: len(docs) == 0}
	for _, name := range sortedFields(types) {
		f := service.Field{Name: name, Type: types[name]}
		if name != common.IDField {
			f.Creatable, f.Updatable = true, true
		}
		desc.Fields = append(desc.Fields, f)
	}
	return desc, types
}

// toRecord converts a stored document into a record
func toRecord(object string, doc bson.M) *common.Record {
	rec := common.NewRecord(object)
	for k, v := range doc {
		if k == "_id" {
			rec.ID = common.StringValue(fromBSON(v))
			continue
		}
		rec.Set(k, fromBSON(v))
	}
	return rec
}

// toDocument converts the fields of a record into a document, without _id
func toDocument(rec *common.Record, types map[string]service.FieldType) bson.M {
	doc := bson.M{}
	for k, v := range rec.Fields {
		if k == common.IDField {
			continue
		}
		doc[k] = toBSON(v, types[k])
	}
	return doc
}

// updateDocument builds the $set and $unset update of a record
func updateDocument(rec *common.Record, types map[string]service.FieldType) bson.M {
	update := bson.M{}
	if set := toDocument(rec, types); len(set) > 0 {
		update["$set"] = set
	}
	if len(rec.FieldsToNull) > 0 {
		unset := bson.M{}
		for _, f := range rec.FieldsToNull {
			unset[f] = ""
		}
		update["$unset"] = unset
	}
	return update
}

// writeFailure converts a server write error into a per-record failure
func writeFailure(we mongo.WriteError) common.SaveResult {
	switch we.Code {
	case codeDuplicateKey, codeDuplicateKeyLegacy:
		return common.Failed(common.CodeDuplicateValue, we.Message)
	case codeWriteConflict, codeLockTimeout:
		return common.Failed(common.CodeLockContention, we.Message)
	case codeValidationFailed:
		return common.Failed(common.CodeRequiredFieldMissing, we.Message)
	}
	return common.Failed(common.CodeUnknown, we.Message)
}

// bulkFailures returns the per-record failures of a bulk write error keyed
// by model index, or ok false when err is not a per-record error.
func bulkFailures(err error) (map[int]common.SaveResult, bool) {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return nil, false
	}
	out := make(map[int]common.SaveResult, len(bwe.WriteErrors))
	for _, we := range bwe.WriteErrors {
		out[we.Index] = writeFailure(we.WriteError)
	}
	return out, true
}
