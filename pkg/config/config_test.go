package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mongoToESConfig = `{
  "source": {"type": "mongodb", "connectionString": "mongodb://localhost:27017", "database": "crm"},
  "target": {"type": "elasticsearch", "addresses": ["http://localhost:9200"]},
  "mappingFile": "mapping.json",
  "threadCount": 3,
  "singleThreadedObjects": ["Contact"]
}`

func TestParseJSONAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(mongoToESConfig), ".json")
	require.NoError(t, err)

	assert.Equal(t, OperationCreate, cfg.Operation)
	assert.Equal(t, 3, cfg.ThreadCount)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultSessionIdleMinutes, cfg.SessionIdleMinutes)
	assert.Equal(t, DefaultDeletePasses, cfg.DeletePasses)
	assert.Equal(t, "_record_types", cfg.Source.SubtypeCollection)
	assert.Contains(t, cfg.SystemFields, "SystemModstamp")
	assert.True(t, cfg.IsSingleThreaded("contact"))
	assert.False(t, cfg.IsSingleThreaded("Account"))
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	doc := `
source:
  type: file
  directory: ./dump
target:
  type: mongodb
  connectionString: mongodb://localhost:27017
  database: crm
operation: delete
batchSize: 500
`
	cfg, err := Parse([]byte(doc), ".yml")
	require.NoError(t, err)

	assert.Equal(t, TypeFile, cfg.Source.Type)
	assert.Equal(t, "./dump", cfg.Source.Directory)
	assert.Equal(t, OperationDelete, cfg.Operation)
	// batch size is capped at the API call ceiling
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing mongo database": `{"source": {"type": "mongodb", "connectionString": "mongodb://x"}, "target": {"type": "elasticsearch", "addresses": ["http://es:9200"]}}`,
		"unknown type":           `{"source": {"type": "oracle"}, "target": {"type": "elasticsearch", "addresses": ["http://es:9200"]}}`,
		"bad operation":          `{"source": {"type": "file", "directory": "d"}, "target": {"type": "elasticsearch", "addresses": ["http://es:9200"]}, "operation": "merge"}`,
		"file target":            `{"source": {"type": "file", "directory": "d"}, "target": {"type": "file", "directory": "d"}}`,
		"es without addresses":   `{"source": {"type": "file", "directory": "d"}, "target": {"type": "elasticsearch"}}`,
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc), ".json")
		assert.Error(t, err, name)
	}
}

func TestValidateErrorUsesJSONNames(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"source": {"type": "mongodb", "connectionString": "mongodb://x"}, "target": {"type": "elasticsearch", "addresses": ["http://es:9200"]}}`), ".json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `key="source.database"`)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(mongoToESConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "mapping.json", cfg.MappingFile)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "error reading config file")
}
