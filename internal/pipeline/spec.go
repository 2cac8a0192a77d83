// internal/pipeline/spec.go
package pipeline

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultJobTimeout     = time.Hour
	DefaultServiceTimeout = 60 * time.Second
	MaxRetry              = 2
)

// When controls whether a gated job executes.
const (
	WhenOnSuccess = "on_success"
	WhenManual    = "manual"
	WhenNever     = "never"
	WhenAlways    = "always"
)

var defaultStages = []string{"build", "test", "deploy"}

// Spec is a parsed and validated pipeline definition.
type Spec struct {
	Stages    []string
	Variables map[string]string
	Jobs      []JobSpec
}

// JobSpec is one declared job. Image is recorded for operator context only;
// scripts run on the host.
type JobSpec struct {
	Name         string
	Stage        string
	Image        string
	Script       []string
	Variables    map[string]string
	Services     []ServiceSpec
	Only         OnlySpec
	When         string
	AllowFailure bool
	Timeout      time.Duration
	Retry        int
	Artifacts    []string
	Environment  string
}

// ServiceSpec declares a helper the job depends on. Command, when present,
// is launched for the duration of the job; Probe is polled until ready.
type ServiceSpec struct {
	Name    string
	Command string
	Probe   string
	Timeout time.Duration
}

// OnlySpec restricts a job to matching refs and variable expressions.
type OnlySpec struct {
	Refs      []string
	Variables []string
}

// StageJobs returns the declared jobs of one stage, in definition order.
func (s *Spec) StageJobs(stage string) []JobSpec {
	var jobs []JobSpec
	for _, j := range s.Jobs {
		if j.Stage == stage {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

type jobDTO struct {
	Stage        string            `yaml:"stage"`
	Image        string            `yaml:"image"`
	Script       scriptDTO         `yaml:"script"`
	Variables    map[string]string `yaml:"variables"`
	Services     []serviceDTO      `yaml:"services"`
	Only         *onlyDTO          `yaml:"only"`
	When         string            `yaml:"when"`
	AllowFailure bool              `yaml:"allow_failure"`
	Timeout      string            `yaml:"timeout"`
	Retry        int               `yaml:"retry"`
	Artifacts    *artifactsDTO     `yaml:"artifacts"`
	Environment  environmentDTO    `yaml:"environment"`
}

type onlyDTO struct {
	Refs      []string `yaml:"refs"`
	Variables []string `yaml:"variables"`
}

type artifactsDTO struct {
	Paths []string `yaml:"paths"`
}

// scriptDTO accepts both a single scalar and a sequence of lines.
type scriptDTO []string

func (s *scriptDTO) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = []string{node.Value}
		return nil
	case yaml.SequenceNode:
		var lines []string
		if err := node.Decode(&lines); err != nil {
			return err
		}
		*s = lines
		return nil
	default:
		return fmt.Errorf("script: want string or list, got %s", nodeKind(node))
	}
}

// serviceDTO accepts the shorthand scalar form ("redis") and the full map.
type serviceDTO struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	Probe   string `yaml:"probe"`
	Timeout string `yaml:"timeout"`
}

func (s *serviceDTO) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Name = node.Value
		return nil
	}
	if node.Kind == yaml.MappingNode {
		type plain serviceDTO
		return node.Decode((*plain)(s))
	}
	return fmt.Errorf("service: want string or map, got %s", nodeKind(node))
}

// environmentDTO accepts both "production" and {name: production}.
type environmentDTO string

func (e *environmentDTO) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*e = environmentDTO(node.Value)
		return nil
	}
	if node.Kind == yaml.MappingNode {
		var m struct {
			Name string `yaml:"name"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		*e = environmentDTO(m.Name)
		return nil
	}
	return fmt.Errorf("environment: want string or map, got %s", nodeKind(node))
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	default:
		return fmt.Sprintf("kind %d", n.Kind)
	}
}

// LoadSpec reads and validates a pipeline definition file.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline definition %s: %w", path, err)
	}
	return spec, nil
}

// ParseSpec decodes a pipeline definition. Top-level keys other than the
// reserved ones declare jobs; declaration order is preserved so reporting
// stays stable.
func ParseSpec(data []byte) (*Spec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("empty definition")
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("definition root: want mapping, got %s", nodeKind(doc))
	}

	spec := &Spec{Variables: map[string]string{}}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		val := doc.Content[i+1]
		switch key {
		case "stages":
			if err := val.Decode(&spec.Stages); err != nil {
				return nil, fmt.Errorf("stages: %w", err)
			}
		case "variables":
			if err := val.Decode(&spec.Variables); err != nil {
				return nil, fmt.Errorf("variables: %w", err)
			}
		default:
			var dto jobDTO
			if err := val.Decode(&dto); err != nil {
				return nil, fmt.Errorf("job %q: %w", key, err)
			}
			job, err := dto.toJobSpec(key)
			if err != nil {
				return nil, err
			}
			spec.Jobs = append(spec.Jobs, job)
		}
	}

	if len(spec.Stages) == 0 {
		spec.Stages = slices.Clone(defaultStages)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (dto jobDTO) toJobSpec(name string) (JobSpec, error) {
	job := JobSpec{
		Name:         name,
		Stage:        dto.Stage,
		Image:        dto.Image,
		Script:       dto.Script,
		Variables:    dto.Variables,
		When:         dto.When,
		AllowFailure: dto.AllowFailure,
		Timeout:      DefaultJobTimeout,
		Retry:        dto.Retry,
		Environment:  string(dto.Environment),
	}

	if job.When == "" {
		job.When = WhenOnSuccess
	}
	switch job.When {
	case WhenOnSuccess, WhenManual, WhenNever, WhenAlways:
	default:
		return job, fmt.Errorf("job %q: unknown when value %q", name, job.When)
	}

	if dto.Timeout != "" {
		d, err := time.ParseDuration(dto.Timeout)
		if err != nil || d <= 0 {
			return job, fmt.Errorf("job %q: bad timeout %q", name, dto.Timeout)
		}
		job.Timeout = d
	}
	if job.Retry < 0 || job.Retry > MaxRetry {
		return job, fmt.Errorf("job %q: retry %d outside [0, %d]", name, job.Retry, MaxRetry)
	}

	if dto.Only != nil {
		job.Only = OnlySpec{Refs: dto.Only.Refs, Variables: dto.Only.Variables}
		for _, expr := range job.Only.Variables {
			if _, err := evalExpr(expr, nil); err != nil {
				return job, fmt.Errorf("job %q: %w", name, err)
			}
		}
	}

	for _, sd := range dto.Services {
		svc := ServiceSpec{
			Name:    sd.Name,
			Command: sd.Command,
			Probe:   sd.Probe,
			Timeout: DefaultServiceTimeout,
		}
		if svc.Name == "" {
			return job, fmt.Errorf("job %q: service missing name", name)
		}
		if sd.Timeout != "" {
			d, err := time.ParseDuration(sd.Timeout)
			if err != nil || d <= 0 {
				return job, fmt.Errorf("job %q: service %q: bad timeout %q", name, svc.Name, sd.Timeout)
			}
			svc.Timeout = d
		}
		if svc.Probe != "" {
			if _, err := url.Parse(svc.Probe); err != nil {
				return job, fmt.Errorf("job %q: service %q: bad probe url: %w", name, svc.Name, err)
			}
		}
		if svc.Command == "" && svc.Probe == "" {
			return job, fmt.Errorf("job %q: service %q: needs a command or a probe", name, svc.Name)
		}
		job.Services = append(job.Services, svc)
	}

	if dto.Artifacts != nil {
		job.Artifacts = dto.Artifacts.Paths
	}
	return job, nil
}

func (s *Spec) validate() error {
	seen := map[string]bool{}
	for _, stage := range s.Stages {
		if strings.TrimSpace(stage) == "" {
			return fmt.Errorf("stages: empty stage name")
		}
		if seen[stage] {
			return fmt.Errorf("stages: duplicate %q", stage)
		}
		seen[stage] = true
	}

	if len(s.Jobs) == 0 {
		return fmt.Errorf("no jobs declared")
	}
	for _, job := range s.Jobs {
		if job.Stage == "" {
			return fmt.Errorf("job %q: missing stage", job.Name)
		}
		if !seen[job.Stage] {
			return fmt.Errorf("job %q: undeclared stage %q", job.Name, job.Stage)
		}
		if len(job.Script) == 0 {
			return fmt.Errorf("job %q: missing script", job.Name)
		}
	}
	return nil
}
