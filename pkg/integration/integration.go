// Package integration implements the Integration Facade (C12): batch
// create/import/export operations over the Agent Registry and
// Workflow Engine with partial-success semantics, plus template-to-
// agent instantiation. The manifest shape (apiVersion/kind/metadata/
// spec, one YAML document per resource) mirrors a kubectl-apply-style
// resource format; export/import operate over the same shape as a
// multi-document snapshot rather than a single-resource apply.
package integration

import (
	"time"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/template"
	"github.com/agentmesh/controlplane/pkg/types"
	"gopkg.in/yaml.v3"
)

// snapshotVersion is the format tag stamped into every export; import
// rejects a snapshot whose version it doesn't recognize.
const snapshotVersion = "agentmesh.io/v1"

// Registry is the subset of the Agent Registry the facade composes.
type Registry interface {
	CreateAgent(a *types.Agent) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	CreateSkill(s *types.Skill) (*types.Skill, error)
	ListSkills() ([]*types.Skill, error)
	CreateTool(t *types.Tool) (*types.Tool, error)
	ListTools() ([]*types.Tool, error)
	CreateConstraint(c *types.Constraint) (*types.Constraint, error)
	ListConstraints() ([]*types.Constraint, error)
	CreateTemplate(t *types.Template) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)
	GetTemplate(id string) (*types.Template, error)
}

// WorkflowRegistry is the subset of the Agent Registry workflow CRUD
// the facade composes; split from Registry only for test-double
// ergonomics.
type WorkflowRegistry interface {
	CreateWorkflow(w *types.Workflow) (*types.Workflow, error)
	ListWorkflows() ([]*types.Workflow, error)
}

// Facade is the Integration Facade (C12).
type Facade struct {
	registry  Registry
	workflows WorkflowRegistry
}

// New creates a Facade over registry and workflows.
func New(registry Registry, workflows WorkflowRegistry) *Facade {
	return &Facade{registry: registry, workflows: workflows}
}

// Outcome is one element's result within a batch operation.
type Outcome struct {
	Index   int    `json:"index"`
	Name    string `json:"name,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchResult reports partial-success counts plus a per-element
// outcome: one failing resource never aborts the rest of the batch.
type BatchResult struct {
	Total      int       `json:"total"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Outcomes   []Outcome `json:"outcomes"`
}

func newBatchResult(n int) *BatchResult {
	return &BatchResult{Total: n, Outcomes: make([]Outcome, 0, n)}
}

func (b *BatchResult) record(i int, name string, err error) {
	o := Outcome{Index: i, Name: name, Success: err == nil}
	if err != nil {
		o.Error = err.Error()
		b.Failed++
	} else {
		b.Successful++
	}
	b.Outcomes = append(b.Outcomes, o)
}

// CreateAgents attempts each agent in isolation, continuing past
// individual failures.
func (f *Facade) CreateAgents(agents []*types.Agent) *BatchResult {
	result := newBatchResult(len(agents))
	for i, a := range agents {
		_, err := f.registry.CreateAgent(a)
		result.record(i, a.Name, err)
	}
	return result
}

// CreateWorkflows attempts each workflow in isolation.
func (f *Facade) CreateWorkflows(workflows []*types.Workflow) *BatchResult {
	result := newBatchResult(len(workflows))
	for i, w := range workflows {
		_, err := f.workflows.CreateWorkflow(w)
		result.record(i, w.Name, err)
	}
	return result
}

// Resource is one manifest document: a typed, named wrapper around a
// raw spec body.
type Resource struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"` // "Agent", "Workflow", "Tool", "Skill", "Constraint", "Template"
	Metadata   ResourceMetadata  `yaml:"metadata"`
	Spec       map[string]any    `yaml:"spec"`
}

// ResourceMetadata names and labels a Resource.
type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// Snapshot is a self-contained export: every agent, workflow, tool,
// template, and master-data record, tagged with a version.
type Snapshot struct {
	Version     string             `yaml:"version"`
	ExportedAt  time.Time          `yaml:"exportedAt"`
	Agents      []*types.Agent      `yaml:"agents"`
	Workflows   []*types.Workflow   `yaml:"workflows"`
	Tools       []*types.Tool       `yaml:"tools"`
	Skills      []*types.Skill      `yaml:"skills"`
	Constraints []*types.Constraint `yaml:"constraints"`
	Templates   []*types.Template   `yaml:"templates"`
}

// Export produces a self-contained snapshot of the registry's current
// state, tagged with snapshotVersion.
func (f *Facade) Export(now time.Time) (*Snapshot, error) {
	snap := &Snapshot{Version: snapshotVersion, ExportedAt: now}

	var err error
	if snap.Agents, err = f.registry.ListAgents(); err != nil {
		return nil, err
	}
	if snap.Workflows, err = f.workflows.ListWorkflows(); err != nil {
		return nil, err
	}
	if snap.Tools, err = f.registry.ListTools(); err != nil {
		return nil, err
	}
	if snap.Skills, err = f.registry.ListSkills(); err != nil {
		return nil, err
	}
	if snap.Constraints, err = f.registry.ListConstraints(); err != nil {
		return nil, err
	}
	if snap.Templates, err = f.registry.ListTemplates(); err != nil {
		return nil, err
	}
	return snap, nil
}

// ExportYAML marshals the current state to a YAML snapshot document.
func (f *Facade) ExportYAML(now time.Time) ([]byte, error) {
	snap, err := f.Export(now)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(snap)
}

// Import applies a snapshot element-by-element through the create
// paths of C7/C11, reporting partial-success counts per entity kind.
// Existing IDs in snap are ignored; every element is (re-)created.
func (f *Facade) Import(snap *Snapshot) (map[string]*BatchResult, error) {
	if snap.Version != snapshotVersion {
		return nil, coreerr.Newf(coreerr.BadInput, "unsupported snapshot version %q", snap.Version)
	}

	results := make(map[string]*BatchResult, 6)

	skillResult := newBatchResult(len(snap.Skills))
	for i, s := range snap.Skills {
		_, err := f.registry.CreateSkill(s)
		skillResult.record(i, s.Name, err)
	}
	results["skills"] = skillResult

	toolResult := newBatchResult(len(snap.Tools))
	for i, t := range snap.Tools {
		_, err := f.registry.CreateTool(t)
		toolResult.record(i, t.Name, err)
	}
	results["tools"] = toolResult

	constraintResult := newBatchResult(len(snap.Constraints))
	for i, c := range snap.Constraints {
		_, err := f.registry.CreateConstraint(c)
		constraintResult.record(i, c.Name, err)
	}
	results["constraints"] = constraintResult

	templateResult := newBatchResult(len(snap.Templates))
	for i, tpl := range snap.Templates {
		_, err := f.registry.CreateTemplate(tpl)
		templateResult.record(i, tpl.Name, err)
	}
	results["templates"] = templateResult

	results["agents"] = f.CreateAgents(snap.Agents)
	results["workflows"] = f.CreateWorkflows(snap.Workflows)

	return results, nil
}

// ImportYAML parses a YAML snapshot document and applies it.
func (f *Facade) ImportYAML(data []byte) (map[string]*BatchResult, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, coreerr.Wrap(coreerr.BadInput, "parse snapshot", err)
	}
	return f.Import(&snap)
}

// InstantiateAgentFromTemplate renders templateID's body against
// params using the template engine's pure render function, then
// creates a new agent from the supplied shell populated with the
// rendered source.
func (f *Facade) InstantiateAgentFromTemplate(templateID string, params map[string]string, agent *types.Agent) (*types.Agent, error) {
	tpl, err := f.registry.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}
	if tpl.Kind != types.TemplateKindAgent {
		return nil, coreerr.Newf(coreerr.BadInput, "template %q is not an agent template (kind=%s)", templateID, tpl.Kind)
	}

	rendered, err := template.Instantiate(tpl.Body, tpl.ParameterSchema, params)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.BadInput, "render template", err)
	}

	agent.Kind = types.AgentKindTemplated
	agent.TemplateID = templateID
	agent.RenderedSource = rendered
	if agent.Configuration == nil {
		agent.Configuration = map[string]string{}
	}
	for k, v := range params {
		agent.Configuration[k] = v
	}

	return f.registry.CreateAgent(agent)
}

// ApplyResource dispatches a single manifest Resource to the matching
// create path by Kind.
func (f *Facade) ApplyResource(r Resource) error {
	switch r.Kind {
	case "Agent":
		agent := &types.Agent{Name: r.Metadata.Name}
		decodeSpec(r.Spec, agent)
		_, err := f.registry.CreateAgent(agent)
		return err
	case "Tool":
		tool := &types.Tool{Name: r.Metadata.Name}
		decodeSpec(r.Spec, tool)
		_, err := f.registry.CreateTool(tool)
		return err
	case "Skill":
		skill := &types.Skill{Name: r.Metadata.Name}
		decodeSpec(r.Spec, skill)
		_, err := f.registry.CreateSkill(skill)
		return err
	case "Constraint":
		constraint := &types.Constraint{Name: r.Metadata.Name}
		decodeSpec(r.Spec, constraint)
		_, err := f.registry.CreateConstraint(constraint)
		return err
	case "Template":
		tpl := &types.Template{Name: r.Metadata.Name}
		decodeSpec(r.Spec, tpl)
		_, err := f.registry.CreateTemplate(tpl)
		return err
	case "Workflow":
		wf := &types.Workflow{Name: r.Metadata.Name}
		decodeSpec(r.Spec, wf)
		_, err := f.workflows.CreateWorkflow(wf)
		return err
	default:
		return coreerr.Newf(coreerr.BadInput, "unsupported resource kind %q", r.Kind)
	}
}

// decodeSpec round-trips spec through YAML into target, letting the
// generic map[string]any manifest body populate a typed struct
// without a field-by-field switch per resource kind. Metadata.Name
// (already set on target before this call) is deliberately not a spec
// key, so it survives the round-trip untouched.
func decodeSpec(spec map[string]any, target any) {
	data, err := yaml.Marshal(spec)
	if err != nil {
		return
	}
	_ = yaml.Unmarshal(data, target)
}
