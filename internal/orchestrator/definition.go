// Package orchestrator runs the pipeline's stages in order as child
// processes, retrying each stage and halting the run on the first stage that
// exhausts its retries.
package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/idealista-analytics/pipeline/internal/config"
)

// Stage verbs.
const (
	VerbExtract = "extract"
	VerbRun     = "run"
	VerbTest    = "test"
)

// Stage names of the default chain.
const (
	StageExtract      = "extract_idealista_data"
	StageBase         = "run_dbt_base"
	StageStaging      = "run_dbt_staging"
	StageIntermediate = "run_dbt_intermediate"
	StageMart         = "run_dbt_mart"
	StageTests        = "run_dbt_tests"
)

// Stage is one step of the pipeline, executed as
// <Executable> <Verb> [-s <Selector>] from Dir.
type Stage struct {
	Name        string `yaml:"name" json:"name"`
	Verb        string `yaml:"verb" json:"verb"`
	Selector    string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Executable  string `yaml:"executable" json:"executable"`
	Dir         string `yaml:"dir" json:"dir"`
	Predecessor string `yaml:"predecessor,omitempty" json:"predecessor,omitempty"`
	Retries     int    `yaml:"retries" json:"retries"`
}

// Args returns the command line arguments after the executable.
func (s Stage) Args() []string {
	args := []string{s.Verb}
	if s.Selector != "" {
		args = append(args, "-s", s.Selector)
	}
	return args
}

// CommandLine renders the full command for display.
func (s Stage) CommandLine() string {
	return strings.Join(append([]string{s.Executable}, s.Args()...), " ")
}

// Spec returns what the Runner needs to start the stage.
func (s Stage) Spec() StageSpec {
	return StageSpec{Name: s.Name, Path: s.Executable, Args: s.Args(), Dir: s.Dir}
}

// Definition is a named, ordered chain of stages.
type Definition struct {
	Name       string        `yaml:"name" json:"name"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	Stages     []Stage       `yaml:"stages" json:"stages"`
}

// DefaultDefinition builds the extraction plus dbt chain from cfg. self is
// the path of the running binary, used for the extraction stage.
func DefaultDefinition(cfg *config.Config, self string) Definition {
	dbt := cfg.DBTExecutable()
	dbtDir := cfg.DBTProjectDir()
	retries := cfg.Pipeline.Retries

	return Definition{
		Name:       cfg.Pipeline.Name,
		RetryDelay: cfg.Pipeline.RetryDelay,
		Stages: []Stage{
			{Name: StageExtract, Verb: VerbExtract, Executable: self, Dir: cfg.ProjectRoot, Retries: retries},
			{Name: StageBase, Verb: VerbRun, Selector: "base_raw_data_idealista__properties", Executable: dbt, Dir: dbtDir, Predecessor: StageExtract, Retries: retries},
			{Name: StageStaging, Verb: VerbRun, Selector: "stg_idealista__properties", Executable: dbt, Dir: dbtDir, Predecessor: StageBase, Retries: retries},
			{Name: StageIntermediate, Verb: VerbRun, Selector: "int_idealista__properties_enriched", Executable: dbt, Dir: dbtDir, Predecessor: StageStaging, Retries: retries},
			{Name: StageMart, Verb: VerbRun, Selector: "mart_idealista__properties", Executable: dbt, Dir: dbtDir, Predecessor: StageIntermediate, Retries: retries},
			{Name: StageTests, Verb: VerbTest, Executable: dbt, Dir: dbtDir, Predecessor: StageMart, Retries: retries},
		},
	}
}

// Validate checks that the stages form a simple chain.
func (d Definition) Validate() error {
	if d.Name == "" {
		return eris.New("orchestrator: definition has no name")
	}
	if len(d.Stages) == 0 {
		return eris.Errorf("orchestrator: definition %s has no stages", d.Name)
	}
	if d.RetryDelay < 0 {
		return eris.Errorf("orchestrator: negative retry delay %s", d.RetryDelay)
	}

	seen := make(map[string]bool, len(d.Stages))
	for i, s := range d.Stages {
		switch {
		case s.Name == "":
			return eris.Errorf("orchestrator: stage %d has no name", i)
		case seen[s.Name]:
			return eris.Errorf("orchestrator: duplicate stage %s", s.Name)
		case s.Verb == "":
			return eris.Errorf("orchestrator: stage %s has no verb", s.Name)
		case s.Executable == "":
			return eris.Errorf("orchestrator: stage %s has no executable", s.Name)
		case s.Retries < 0:
			return eris.Errorf("orchestrator: stage %s has negative retries", s.Name)
		}
		seen[s.Name] = true

		if i == 0 {
			if s.Predecessor != "" {
				return eris.Errorf("orchestrator: first stage %s must not have a predecessor", s.Name)
			}
			continue
		}
		if prev := d.Stages[i-1].Name; s.Predecessor != prev {
			return eris.Errorf("orchestrator: stage %s must follow %s, declares %q", s.Name, prev, s.Predecessor)
		}
	}
	return nil
}

type fileStage struct {
	Name        string `yaml:"name"`
	Verb        string `yaml:"verb"`
	Selector    string `yaml:"selector"`
	Executable  string `yaml:"executable"`
	Dir         string `yaml:"dir"`
	Predecessor string `yaml:"predecessor"`
	Retries     *int   `yaml:"retries"`
}

type fileDefinition struct {
	Name       string         `yaml:"name"`
	RetryDelay *time.Duration `yaml:"retry_delay"`
	Stages     []fileStage    `yaml:"stages"`
}

// LoadDefinition reads a YAML stage list from path. Omitted fields fall back
// to cfg: extract stages run self from the project root, every other stage
// runs dbt from the dbt directory, predecessors default to the previous
// stage, and retries default to pipeline.retries.
func LoadDefinition(path string, cfg *config.Config, self string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, eris.Wrapf(err, "orchestrator: read definition %s", path)
	}

	var fd fileDefinition
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return Definition{}, eris.Wrapf(err, "orchestrator: parse definition %s", path)
	}

	def := Definition{Name: fd.Name, RetryDelay: cfg.Pipeline.RetryDelay}
	if def.Name == "" {
		def.Name = cfg.Pipeline.Name
	}
	if fd.RetryDelay != nil {
		def.RetryDelay = *fd.RetryDelay
	}

	for i, fs := range fd.Stages {
		s := Stage{
			Name:        fs.Name,
			Verb:        fs.Verb,
			Selector:    fs.Selector,
			Executable:  fs.Executable,
			Dir:         fs.Dir,
			Predecessor: fs.Predecessor,
			Retries:     cfg.Pipeline.Retries,
		}
		if fs.Retries != nil {
			s.Retries = *fs.Retries
		}
		if s.Executable == "" {
			if s.Verb == VerbExtract {
				s.Executable = self
			} else {
				s.Executable = cfg.DBTExecutable()
			}
		}
		switch {
		case s.Dir == "" && s.Verb == VerbExtract:
			s.Dir = cfg.ProjectRoot
		case s.Dir == "":
			s.Dir = cfg.DBTProjectDir()
		case !filepath.IsAbs(s.Dir):
			s.Dir = filepath.Join(cfg.ProjectRoot, s.Dir)
		}
		if s.Predecessor == "" && i > 0 {
			s.Predecessor = fd.Stages[i-1].Name
		}
		def.Stages = append(def.Stages, s)
	}

	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Resolve returns the definition file named in cfg, or the default chain.
func Resolve(cfg *config.Config, self string) (Definition, error) {
	if f := cfg.Pipeline.DefinitionFile; f != "" {
		if !filepath.IsAbs(f) {
			f = filepath.Join(cfg.ProjectRoot, f)
		}
		return LoadDefinition(f, cfg, self)
	}
	def := DefaultDefinition(cfg, self)
	return def, def.Validate()
}
