// Package workflow executes predefined multi-role DAGs. Templates are YAML
// documents embedded in the binary; a user template directory can add to or
// override the built-in set. Every external dispatch goes through the
// outbox.
package workflow

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/orchestrator"
)

// Step is one node of a workflow template.
type Step struct {
	StepID               string         `yaml:"step_id" json:"step_id"`
	Role                 string         `yaml:"role" json:"role"`
	Action               string         `yaml:"action" json:"action"`
	Inputs               map[string]any `yaml:"inputs" json:"inputs,omitempty"`
	Outputs              []string       `yaml:"outputs" json:"outputs,omitempty"`
	DependsOn            []string       `yaml:"depends_on" json:"depends_on,omitempty"`
	Timeout              int            `yaml:"timeout" json:"timeout,omitempty"`
	RetryPolicy          string         `yaml:"retry_policy" json:"retry_policy,omitempty"`
	RequiresAuditTriplet bool           `yaml:"requires_audit_triplet" json:"requires_audit_triplet,omitempty"`
	AtaTaskcodePrefix    string         `yaml:"ata_taskcode_prefix" json:"ata_taskcode_prefix,omitempty"`
	ParallelGroup        string         `yaml:"parallel_group" json:"parallel_group,omitempty"`
	AtaMessageKind       string         `yaml:"ata_message_kind" json:"ata_message_kind,omitempty"`
}

// Template is a named workflow definition.
type Template struct {
	Name               string `yaml:"name"`
	Description        string `yaml:"description"`
	Steps              []Step `yaml:"steps"`
	DefaultTimeout     int    `yaml:"default_timeout"`
	DefaultRetryPolicy string `yaml:"default_retry_policy"`
}

// Loader resolves templates by name, built-ins first, user directory
// overriding.
type Loader struct {
	templates map[string]Template
}

// NewLoader parses the embedded templates plus any *.yaml files in userDir
// (empty userDir skips the override pass). A user template with the same
// name replaces the built-in one.
func NewLoader(userDir string) (*Loader, error) {
	builtin, err := BuiltinTemplatesFS()
	if err != nil {
		return nil, err
	}
	l := &Loader{templates: make(map[string]Template)}
	if err := l.loadFromFS(builtin); err != nil {
		return nil, err
	}
	if userDir != "" {
		if _, err := os.Stat(userDir); err == nil {
			if err := l.loadFromFS(os.DirFS(userDir)); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

func (l *Loader) loadFromFS(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading template directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(".", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading template %s: %w", entry.Name(), err)
		}
		var tpl Template
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return fmt.Errorf("parsing template %s: %w", entry.Name(), err)
		}
		if tpl.Name == "" {
			return fmt.Errorf("template %s has no name", entry.Name())
		}
		if err := validateTemplate(tpl); err != nil {
			return fmt.Errorf("template %s: %w", tpl.Name, err)
		}
		l.templates[tpl.Name] = tpl
		log.Debug(log.CatWorkflow, "Template loaded", "name", tpl.Name, "steps", len(tpl.Steps))
	}
	return nil
}

// Get returns a template by name.
func (l *Loader) Get(name string) (Template, error) {
	tpl, ok := l.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown workflow template %q", name)
	}
	return tpl, nil
}

// Names lists the available template names, sorted.
func (l *Loader) Names() []string {
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StepSpecs adapts a template's steps for the orchestrator's task
// decomposition.
func (l *Loader) StepSpecs(name string) ([]orchestrator.StepSpec, error) {
	tpl, err := l.Get(name)
	if err != nil {
		return nil, err
	}
	specs := make([]orchestrator.StepSpec, 0, len(tpl.Steps))
	for _, step := range tpl.Steps {
		timeout := step.Timeout
		if timeout == 0 {
			timeout = tpl.DefaultTimeout
		}
		specs = append(specs, orchestrator.StepSpec{
			StepID:     step.StepID,
			Role:       step.Role,
			Action:     step.Action,
			Inputs:     step.Inputs,
			Outputs:    step.Outputs,
			DependsOn:  step.DependsOn,
			TimeoutSec: timeout,
		})
	}
	return specs, nil
}

func validateTemplate(tpl Template) error {
	ids := make(map[string]bool, len(tpl.Steps))
	for _, step := range tpl.Steps {
		if step.StepID == "" || step.Role == "" {
			return fmt.Errorf("step %q needs step_id and role", step.StepID)
		}
		if ids[step.StepID] {
			return fmt.Errorf("duplicate step_id %q", step.StepID)
		}
		ids[step.StepID] = true
	}
	for _, step := range tpl.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", step.StepID, dep)
			}
		}
	}
	return nil
}
