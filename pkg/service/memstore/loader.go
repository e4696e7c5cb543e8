package memstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
)

// LoadDir builds a store from a directory of record dumps. Each <Object>.json
// file holds an array of records; the Id key becomes the record id and
// scalar values are kept in their string form.
func LoadDir(dir string) (*Store, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no record files found in %s", dir)
	}

	s := New()
	for _, file := range files {
		object := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		records, err := readRecords(file, object)
		if err != nil {
			return nil, err
		}
		s.Seed(object, records...)
	}
	return s, nil
}

func readRecords(file, object string) ([]*common.Record, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []map[string]interface{}
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", file, err)
	}

	records := make([]*common.Record, 0, len(rows))
	for i, row := range rows {
		rec := common.NewRecord(object)
		for k, v := range row {
			if k == common.IDField {
				rec.ID = common.StringValue(v)
				continue
			}
			// Nested values stay as decoded; a nil is an absent field
			switch t := v.(type) {
			case nil:
			case json.Number, bool:
				rec.Fields[k] = cast.ToString(t)
			default:
				rec.Fields[k] = t
			}
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("%s: record %d has no %s", file, i, common.IDField)
		}
		records = append(records, rec)
	}
	return records, nil
}

// SaveRecords writes records to <Object>.json in dir, in the layout LoadDir
// reads. Null fields are written as null.
func SaveRecords(dir, object string, records []*common.Record) error {
	rows := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		row := make(map[string]interface{}, len(r.Fields)+len(r.FieldsToNull)+1)
		row[common.IDField] = r.ID
		for k, v := range r.Fields {
			row[k] = v
		}
		for _, k := range r.FieldsToNull {
			row[k] = nil
		}
		rows = append(rows, row)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s records: %w", object, err)
	}
	file := filepath.Join(dir, object+".json")
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	return nil
}
