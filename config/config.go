// Package config resolves agent configuration templates into ready-to-use
// core.AgentConfig values. A Loader combines a stored template with an
// optional credential and instruction variables supplied at load time, fills
// defaults and validates the result.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/nodemesh/core"
	"github.com/hupe1980/nodemesh/internal/util"
)

// ErrTemplateNotFound is returned when a loader has no template under the
// requested id.
var ErrTemplateNotFound = errors.New("config: template not found")

// Defaults applied when a template leaves the execution policy unset.
const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = 2 * time.Second
)

// LoadOptions carries per-load inputs that never live in templates.
type LoadOptions struct {
	// Credential is the provider credential injected into the resolved config.
	// Credentials are load-time inputs and are never read from template files.
	Credential string
	// Variables is the data rendered into {{...}} markers in the template's
	// instruction.
	Variables map[string]any
}

// Loader resolves a template id into a validated agent configuration.
type Loader interface {
	Load(ctx context.Context, templateID string, optFns ...func(o *LoadOptions)) (*core.AgentConfig, error)
}

// WithCredential supplies the provider credential for this load.
func WithCredential(credential string) func(o *LoadOptions) {
	return func(o *LoadOptions) { o.Credential = credential }
}

// WithVariables supplies instruction template variables for this load.
func WithVariables(vars map[string]any) func(o *LoadOptions) {
	return func(o *LoadOptions) { o.Variables = vars }
}

// template is the on-disk YAML shape. RetryDelay uses duration syntax ("2s",
// "500ms") rather than raw nanoseconds.
type template struct {
	Name        string   `yaml:"name"`
	Instruction string   `yaml:"instruction"`
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Nodes       []string `yaml:"nodes"`
	AutoStart   bool     `yaml:"auto_start"`
	MaxRetries  *int     `yaml:"max_retries"`
	RetryDelay  string   `yaml:"retry_delay"`
}

// resolve turns a parsed template plus load options into a validated config.
func (t *template) resolve(opts LoadOptions) (*core.AgentConfig, error) {
	instruction, err := util.RenderTemplate(t.Instruction, opts.Variables)
	if err != nil {
		return nil, core.NewConfigError("instruction", err.Error())
	}

	cfg := &core.AgentConfig{
		Name:        t.Name,
		Instruction: instruction,
		Provider:    t.Provider,
		Model:       t.Model,
		Nodes:       append([]string(nil), t.Nodes...),
		Credential:  opts.Credential,
		AutoStart:   t.AutoStart,
		MaxRetries:  DefaultMaxRetries,
		RetryDelay:  DefaultRetryDelay,
	}

	if t.MaxRetries != nil {
		cfg.MaxRetries = *t.MaxRetries
	}
	if t.RetryDelay != "" {
		d, err := time.ParseDuration(t.RetryDelay)
		if err != nil {
			return nil, core.NewConfigError("retry_delay", err.Error())
		}
		cfg.RetryDelay = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyPortDefaults resolves a port-value map against a node type's declared
// ports: missing required ports fail with a ConfigError, missing optional
// ports with a declared default are filled in. The input map is not mutated.
func ApplyPortDefaults(ports []core.NodePort, values map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(values))
	for k, v := range values {
		resolved[k] = v
	}

	for _, p := range ports {
		if _, ok := resolved[p.ID]; ok {
			continue
		}
		if p.Required {
			return nil, core.NewConfigError(p.ID, "required port has no value")
		}
		if p.Default != nil {
			resolved[p.ID] = p.Default
		}
	}
	return resolved, nil
}

// FileLoader reads templates from a directory, one YAML file per template id
// (<dir>/<id>.yaml, falling back to <id>.yml).
type FileLoader struct {
	dir string
}

var _ Loader = (*FileLoader)(nil)

// NewFileLoader constructs a loader rooted at dir.
func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{dir: dir}
}

// Load implements Loader.
func (l *FileLoader) Load(_ context.Context, templateID string, optFns ...func(o *LoadOptions)) (*core.AgentConfig, error) {
	var opts LoadOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	// Template ids are plain names, never paths.
	if templateID == "" || strings.ContainsAny(templateID, `/\`) || templateID != filepath.Base(templateID) {
		return nil, core.NewConfigError("template_id", fmt.Sprintf("invalid template id %q", templateID))
	}

	data, err := l.read(templateID)
	if err != nil {
		return nil, err
	}

	var tmpl template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, core.NewConfigError("template", fmt.Sprintf("parse %s: %v", templateID, err))
	}
	return tmpl.resolve(opts)
}

func (l *FileLoader) read(templateID string) ([]byte, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		data, err := os.ReadFile(filepath.Join(l.dir, templateID+ext))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read template %s: %w", templateID, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
}

// StaticLoader serves templates from memory. Useful for tests and for
// embedding fixed agent definitions in a binary.
type StaticLoader struct {
	templates map[string]template
}

var _ Loader = (*StaticLoader)(nil)

// NewStaticLoader constructs a loader over the given raw YAML templates,
// keyed by template id.
func NewStaticLoader(templates map[string]string) (*StaticLoader, error) {
	parsed := make(map[string]template, len(templates))
	for id, raw := range templates {
		var tmpl template
		if err := yaml.Unmarshal([]byte(raw), &tmpl); err != nil {
			return nil, core.NewConfigError("template", fmt.Sprintf("parse %s: %v", id, err))
		}
		parsed[id] = tmpl
	}
	return &StaticLoader{templates: parsed}, nil
}

// Load implements Loader.
func (l *StaticLoader) Load(_ context.Context, templateID string, optFns ...func(o *LoadOptions)) (*core.AgentConfig, error) {
	var opts LoadOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	tmpl, ok := l.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	return tmpl.resolve(opts)
}
