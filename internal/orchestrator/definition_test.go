package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDefinition(t *testing.T) {
	def := testDefinition()
	require.NoError(t, def.Validate())

	assert.Equal(t, "idealista_analytics_pipeline", def.Name)
	require.Len(t, def.Stages, 6)

	names := make([]string, len(def.Stages))
	for i, s := range def.Stages {
		names[i] = s.Name
		assert.Equal(t, 1, s.Retries)
	}
	assert.Equal(t, allStages, names)

	extract := def.Stages[0]
	assert.Equal(t, "/usr/local/bin/idealista-pipeline extract", extract.CommandLine())
	assert.Equal(t, "/srv/idealista", extract.Dir)
	assert.Empty(t, extract.Predecessor)

	tests := []struct {
		stage string
		cmd   string
	}{
		{StageBase, "/srv/idealista/.venv/bin/dbt run -s base_raw_data_idealista__properties"},
		{StageStaging, "/srv/idealista/.venv/bin/dbt run -s stg_idealista__properties"},
		{StageIntermediate, "/srv/idealista/.venv/bin/dbt run -s int_idealista__properties_enriched"},
		{StageMart, "/srv/idealista/.venv/bin/dbt run -s mart_idealista__properties"},
		{StageTests, "/srv/idealista/.venv/bin/dbt test"},
	}
	for _, tt := range tests {
		s := stageNamed(t, def, tt.stage)
		assert.Equal(t, tt.cmd, s.CommandLine())
		assert.Equal(t, "/srv/idealista/dbt", s.Dir)
	}

	spec := def.Stages[5].Spec()
	assert.Equal(t, StageSpec{Name: StageTests, Path: "/srv/idealista/.venv/bin/dbt", Args: []string{"test"}, Dir: "/srv/idealista/dbt"}, spec)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		errMsg string
	}{
		{"no name", func(d *Definition) { d.Name = "" }, "no name"},
		{"no stages", func(d *Definition) { d.Stages = nil }, "has no stages"},
		{"duplicate", func(d *Definition) { d.Stages[2].Name = StageBase }, "duplicate stage"},
		{"first with predecessor", func(d *Definition) { d.Stages[0].Predecessor = "x" }, "must not have a predecessor"},
		{"broken chain", func(d *Definition) { d.Stages[3].Predecessor = StageBase }, "must follow run_dbt_staging"},
		{"missing executable", func(d *Definition) { d.Stages[1].Executable = "" }, "no executable"},
		{"missing verb", func(d *Definition) { d.Stages[1].Verb = "" }, "no verb"},
		{"negative retries", func(d *Definition) { d.Stages[4].Retries = -1 }, "negative retries"},
		{"negative delay", func(d *Definition) { d.RetryDelay = -time.Second }, "negative retry delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := testDefinition()
			tt.mutate(&def)
			err := def.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	yaml := `
name: idealista_nightly
retry_delay: 1m
stages:
  - name: extract_idealista_data
    verb: extract
  - name: run_dbt_base
    verb: run
    selector: base_raw_data_idealista__properties
    retries: 3
  - name: run_dbt_tests
    verb: test
    dir: transform
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	def, err := LoadDefinition(path, testConfig(), "/usr/local/bin/idealista-pipeline")
	require.NoError(t, err)

	assert.Equal(t, "idealista_nightly", def.Name)
	assert.Equal(t, time.Minute, def.RetryDelay)
	require.Len(t, def.Stages, 3)

	assert.Equal(t, "/usr/local/bin/idealista-pipeline", def.Stages[0].Executable)
	assert.Equal(t, "/srv/idealista", def.Stages[0].Dir)
	assert.Equal(t, 1, def.Stages[0].Retries, "defaults to pipeline.retries")

	assert.Equal(t, "/srv/idealista/.venv/bin/dbt", def.Stages[1].Executable)
	assert.Equal(t, "/srv/idealista/dbt", def.Stages[1].Dir)
	assert.Equal(t, StageExtract, def.Stages[1].Predecessor)
	assert.Equal(t, 3, def.Stages[1].Retries)

	assert.Equal(t, "/srv/idealista/transform", def.Stages[2].Dir)
	assert.Equal(t, StageBase, def.Stages[2].Predecessor)
}

func TestLoadDefinition_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages:\n  - name: only\n    verb: test\n"), 0o644))

	def, err := LoadDefinition(path, testConfig(), "self")
	require.NoError(t, err)
	assert.Equal(t, "idealista_analytics_pipeline", def.Name)
	assert.Equal(t, 5*time.Millisecond, def.RetryDelay)
}

func TestLoadDefinition_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadDefinition(filepath.Join(dir, "missing.yaml"), testConfig(), "self")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read definition")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("stages: [unterminated"), 0o644))
	_, err = LoadDefinition(bad, testConfig(), "self")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse definition")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte(`
stages:
  - name: a
    verb: run
  - name: b
    verb: run
    predecessor: c
`), 0o644))
	_, err = LoadDefinition(broken, testConfig(), "self")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must follow a")
}

func TestResolve(t *testing.T) {
	cfg := testConfig()
	def, err := Resolve(cfg, "self")
	require.NoError(t, err)
	assert.Len(t, def.Stages, 6)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yaml"), []byte("stages:\n  - name: only\n    verb: test\n"), 0o644))
	cfg.ProjectRoot = dir
	cfg.Pipeline.DefinitionFile = "pipeline.yaml"

	def, err = Resolve(cfg, "self")
	require.NoError(t, err)
	require.Len(t, def.Stages, 1)
	assert.Equal(t, "only", def.Stages[0].Name)
}

func stageNamed(t *testing.T, def Definition, name string) Stage {
	t.Helper()
	for _, s := range def.Stages {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("definition %s has no stage %s", def.Name, name)
	return Stage{}
}
