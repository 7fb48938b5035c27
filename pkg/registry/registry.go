package registry

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/ids"
	"github.com/agentmesh/controlplane/pkg/log"
	"github.com/agentmesh/controlplane/pkg/secrets"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/rs/zerolog"
)

const (
	maxSystemPromptChars = 10000
	maxCapabilities      = 20

	// usageShards is the width of the per-agent usage-counter lock
	// striping used by IncrementUsage, chosen independently of r.mu so
	// the dispatcher's hot path never contends with CRUD operations.
	usageShards = 32
)

// Store is the persistence contract the Registry operates over.
type Store interface {
	PutAgent(a *types.Agent) error
	GetAgent(id string) (*types.Agent, bool, error)
	ListAgents() ([]*types.Agent, error)
	DeleteAgent(id string) error

	PutAgentVersion(v *types.AgentVersion) error
	ListAgentVersions(agentID string) ([]*types.AgentVersion, error)
	GetAgentVersion(id string) (*types.AgentVersion, bool, error)

	PutSkill(v *types.Skill) error
	GetSkill(id string) (*types.Skill, bool, error)
	ListSkills() ([]*types.Skill, error)
	DeleteSkill(id string) error

	PutTool(v *types.Tool) error
	GetTool(id string) (*types.Tool, bool, error)
	ListTools() ([]*types.Tool, error)
	DeleteTool(id string) error

	PutConstraint(v *types.Constraint) error
	GetConstraint(id string) (*types.Constraint, bool, error)
	ListConstraints() ([]*types.Constraint, error)
	DeleteConstraint(id string) error

	PutTemplate(v *types.Template) error
	GetTemplate(id string) (*types.Template, bool, error)
	ListTemplates() ([]*types.Template, error)
	DeleteTemplate(id string) error

	PutWorkflow(v *types.Workflow) error
	GetWorkflow(id string) (*types.Workflow, bool, error)
	ListWorkflows() ([]*types.Workflow, error)
	DeleteWorkflow(id string) error

	PutSecret(v *types.EnvironmentSecret) error
	GetSecret(id string) (*types.EnvironmentSecret, bool, error)
	ListSecrets() ([]*types.EnvironmentSecret, error)
	DeleteSecret(id string) error

	PutAlertRule(v *types.AlertRule) error
	GetAlertRule(id string) (*types.AlertRule, bool, error)
	ListAlertRules() ([]*types.AlertRule, error)
	DeleteAlertRule(id string) error
}

// Registry is the Agent Registry (C7): CRUD over agents/versions plus
// master-data reference-count-blocked deletes. A single instance is
// shared by the Dispatcher, Worker Orchestrator, and Integration
// Facade.
type Registry struct {
	mu              sync.Mutex
	store           Store
	supportedModels map[string]bool
	logger          zerolog.Logger
	publisher       Publisher
	secretBox       *secrets.Box

	usageMu [usageShards]sync.Mutex
}

// Publisher is the subset of the event Broker the registry publishes
// agent lifecycle events through. Optional: a Registry with no
// publisher set simply skips publication.
type Publisher interface {
	Publish(event *types.Event)
}

// Config names the supported LLM model set used to validate agent
// updates.
type Config struct {
	SupportedModels []string
}

// New creates a Registry backed by store.
func New(store Store, cfg Config) *Registry {
	models := make(map[string]bool, len(cfg.SupportedModels))
	for _, m := range cfg.SupportedModels {
		models[m] = true
	}
	return &Registry{store: store, supportedModels: models, logger: log.WithComponent("registry")}
}

// WithPublisher attaches an event Broker; agent lifecycle operations
// publish to it from then on.
func (r *Registry) WithPublisher(p Publisher) *Registry {
	r.publisher = p
	return r
}

// WithSecretBox attaches the encryption box environment secrets are
// sealed and opened with. A Registry with no box set rejects secret
// operations outright rather than storing plaintext.
func (r *Registry) WithSecretBox(box *secrets.Box) *Registry {
	r.secretBox = box
	return r
}

func (r *Registry) publish(eventType types.EventType, agentID, message string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(&types.Event{Type: eventType, AgentID: agentID, Message: message})
}

// CreateAgent validates and persists a new agent at version 1.0.0,
// enforcing slug uniqueness per owner.
func (r *Registry) CreateAgent(a *types.Agent) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateAgent(a); err != nil {
		return nil, err
	}
	if err := r.checkSlugUnique(a.OwnerID, a.Name, ""); err != nil {
		return nil, err
	}

	now := ids.Now()
	a.ID = ids.New()
	a.Version = "" // appendVersion below stamps the first version, 1.0.0
	a.Status = types.AgentStatusInactive
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := r.store.PutAgent(a); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist agent", err)
	}
	if err := r.appendVersion(a, "initial version"); err != nil {
		return nil, err
	}
	r.publish(types.EventAgentCreated, a.ID, "agent created")
	return a, nil
}

// checkSlugUnique fails with Conflict if name is already used by
// another agent owned by ownerID. excludeID allows a rename to pass
// against its own existing row.
func (r *Registry) checkSlugUnique(ownerID, name, excludeID string) error {
	agents, err := r.store.ListAgents()
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "list agents", err)
	}
	for _, existing := range agents {
		if existing.ID == excludeID {
			continue
		}
		if existing.OwnerID == ownerID && existing.Name == name {
			return coreerr.Newf(coreerr.Conflict, "agent name %q already in use for owner %q", name, ownerID)
		}
	}
	return nil
}

// validateAgent applies the update-time validation rules: system-prompt
// length, capability count, and model name.
func (r *Registry) validateAgent(a *types.Agent) error {
	if strings.TrimSpace(a.Name) == "" {
		return coreerr.New(coreerr.BadInput, "agent name is required")
	}
	if len(a.SystemPrompt) > maxSystemPromptChars {
		return coreerr.Newf(coreerr.BadInput, "system prompt exceeds %d characters", maxSystemPromptChars)
	}
	if len(a.Capabilities) > maxCapabilities {
		return coreerr.Newf(coreerr.BadInput, "capabilities list exceeds %d entries", maxCapabilities)
	}
	if len(r.supportedModels) > 0 {
		if model := a.Configuration["model"]; model != "" && !r.supportedModels[model] {
			return coreerr.Newf(coreerr.BadInput, "model %q is not in the supported set", model)
		}
	}
	return nil
}

// appendVersion appends a new AgentVersion row before mutating the
// agent row, so a version record never outlives the state it describes.
// This call always
// happens from inside a method already holding r.mu.
func (r *Registry) appendVersion(a *types.Agent, changelog string) error {
	next := nextSemver(a.Version)
	v := &types.AgentVersion{
		ID:            ids.New(),
		AgentID:       a.ID,
		Semver:        next,
		Configuration: cloneMap(a.Configuration),
		SystemPrompt:  a.SystemPrompt,
		ToolRefs:      append([]string(nil), a.ToolRefs...),
		Changelog:     changelog,
		CreatedAt:     ids.Now(),
	}
	if err := r.store.PutAgentVersion(v); err != nil {
		return coreerr.Wrap(coreerr.Internal, "persist agent version", err)
	}
	a.Version = next
	a.UpdatedAt = ids.Now()
	if err := r.store.PutAgent(a); err != nil {
		return coreerr.Wrap(coreerr.Internal, "persist agent after version append", err)
	}
	return nil
}

// nextSemver computes major.minor.(patch+1) of the given semver
// string.
func nextSemver(current string) string {
	parts := strings.SplitN(current, ".", 3)
	if len(parts) != 3 {
		return "1.0.0"
	}
	patch := 0
	for _, c := range parts[2] {
		if c < '0' || c > '9' {
			break
		}
		patch = patch*10 + int(c-'0')
	}
	return parts[0] + "." + parts[1] + "." + itoa(patch+1)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetAgent returns the agent by id, or NotFound.
func (r *Registry) GetAgent(id string) (*types.Agent, error) {
	a, found, err := r.store.GetAgent(id)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get agent", err)
	}
	if !found {
		return nil, coreerr.Newf(coreerr.NotFound, "agent %q not found", id)
	}
	return a, nil
}

// ListAgents returns every agent.
func (r *Registry) ListAgents() ([]*types.Agent, error) {
	agents, err := r.store.ListAgents()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "list agents", err)
	}
	return agents, nil
}

// DeployState is the subset of agent fields the Worker Orchestrator
// mutates as it moves an agent through its deploy lifecycle. Unlike
// UpdateAgentConfig, applying a DeployState never appends a new
// AgentVersion: status/endpoint transitions are operational, not
// configuration changes.
type DeployState struct {
	Status    types.AgentStatus
	Endpoint  string
	ProbeURL  string
	LastError string
}

// SetDeployState applies a DeployState to the named agent in place.
func (r *Registry) SetDeployState(agentID string, state DeployState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, found, err := r.store.GetAgent(agentID)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "get agent", err)
	}
	if !found {
		return coreerr.Newf(coreerr.NotFound, "agent %q not found", agentID)
	}

	a.Status = state.Status
	a.Endpoint = state.Endpoint
	a.ProbeURL = state.ProbeURL
	a.LastError = state.LastError
	a.UpdatedAt = ids.Now()

	if err := r.store.PutAgent(a); err != nil {
		return coreerr.Wrap(coreerr.Internal, "persist deploy state", err)
	}

	switch a.Status {
	case types.AgentStatusActive:
		r.publish(types.EventAgentDeployed, agentID, "agent active")
	case types.AgentStatusError:
		r.publish(types.EventAgentError, agentID, state.LastError)
	case types.AgentStatusStopped, types.AgentStatusInactive:
		r.publish(types.EventAgentStopped, agentID, "agent stopped")
	}
	return nil
}

// IncrementUsage records one invocation against an agent's usage/error
// counters and LastUsedAt. It is called on the Dispatcher's hot path, so
// it strides across usageShards locks keyed by agent id instead of
// taking r.mu — the CRUD lock and the usage-counter lock never
// contend.
func (r *Registry) IncrementUsage(agentID string, errored bool) error {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	shard := &r.usageMu[h.Sum32()%usageShards]

	shard.Lock()
	defer shard.Unlock()

	a, found, err := r.store.GetAgent(agentID)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "get agent", err)
	}
	if !found {
		return coreerr.Newf(coreerr.NotFound, "agent %q not found", agentID)
	}

	a.UsageCount++
	a.LastUsedAt = ids.Now()
	if errored {
		a.ErrorCount++
	}
	if err := r.store.PutAgent(a); err != nil {
		return coreerr.Wrap(coreerr.Internal, "persist usage", err)
	}
	return nil
}

// UpdateAgentConfig rewrites configuration/prompt/tool refs, appending
// a new AgentVersion atomically with the agent mutation.
func (r *Registry) UpdateAgentConfig(agentID string, configuration map[string]string, systemPrompt string, toolRefs []string, changelog string) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, found, err := r.store.GetAgent(agentID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get agent", err)
	}
	if !found {
		return nil, coreerr.Newf(coreerr.NotFound, "agent %q not found", agentID)
	}

	candidate := *a
	candidate.Configuration = configuration
	candidate.SystemPrompt = systemPrompt
	candidate.ToolRefs = toolRefs
	if err := r.validateAgent(&candidate); err != nil {
		return nil, err
	}

	a.Configuration = configuration
	a.SystemPrompt = systemPrompt
	a.ToolRefs = toolRefs
	if err := r.appendVersion(a, changelog); err != nil {
		return nil, err
	}
	return a, nil
}

// RevertToVersion copies (configuration, prompt, tools) from a prior
// version into the agent row and stamps a new version describing the
// rollback. The referenced prior version is left intact.
func (r *Registry) RevertToVersion(agentID, versionID string) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, found, err := r.store.GetAgent(agentID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get agent", err)
	}
	if !found {
		return nil, coreerr.Newf(coreerr.NotFound, "agent %q not found", agentID)
	}

	v, found, err := r.store.GetAgentVersion(versionID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get agent version", err)
	}
	if !found || v.AgentID != agentID {
		return nil, coreerr.Newf(coreerr.NotFound, "version %q not found for agent %q", versionID, agentID)
	}

	a.Configuration = cloneMap(v.Configuration)
	a.SystemPrompt = v.SystemPrompt
	a.ToolRefs = append([]string(nil), v.ToolRefs...)
	if err := r.appendVersion(a, "rollback to "+v.Semver); err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAgent removes the agent row. Its AgentVersion rows are not
// deleted and stay in the store.
func (r *Registry) DeleteAgent(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, err := r.store.ListAgentVersions(agentID)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "list agent versions", err)
	}
	if err := r.store.DeleteAgent(agentID); err != nil {
		return coreerr.Wrap(coreerr.Internal, "delete agent", err)
	}
	_ = versions // versions are retained under their own ids; only the agent row is removed
	return nil
}

// agentsReferencing counts how many agents reference refID within the
// named ref-list field.
func (r *Registry) agentsReferencing(pick func(*types.Agent) []string, refID string) (int, error) {
	agents, err := r.store.ListAgents()
	if err != nil {
		return 0, coreerr.Wrap(coreerr.Internal, "list agents", err)
	}
	count := 0
	for _, a := range agents {
		for _, ref := range pick(a) {
			if ref == refID {
				count++
				break
			}
		}
	}
	return count, nil
}

// CreateSkill, DeleteSkill and their Tool/Constraint counterparts
// enforce reference-count-blocked deletes: a master-data row may not
// be removed while any agent still refers to it.

func (r *Registry) CreateSkill(s *types.Skill) (*types.Skill, error) {
	s.ID = ids.New()
	s.CreatedAt = ids.Now()
	if err := r.store.PutSkill(s); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist skill", err)
	}
	return s, nil
}

func (r *Registry) DeleteSkill(id string) error {
	n, err := r.agentsReferencing(func(a *types.Agent) []string { return a.SkillRefs }, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return coreerr.Newf(coreerr.InUse, "skill %q is referenced by %d agent(s)", id, n)
	}
	if err := r.store.DeleteSkill(id); err != nil {
		return coreerr.Wrap(coreerr.Internal, "delete skill", err)
	}
	return nil
}

func (r *Registry) ListSkills() ([]*types.Skill, error) { return r.store.ListSkills() }
func (r *Registry) GetSkill(id string) (*types.Skill, error) {
	s, found, err := r.store.GetSkill(id)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get skill", err)
	}
	if !found {
		return nil, coreerr.Newf(coreerr.NotFound, "skill %q not found", id)
	}
	return s, nil
}

func (r *Registry) CreateTool(t *types.Tool) (*types.Tool, error) {
	t.ID = ids.New()
	t.CreatedAt = ids.Now()
	if err := r.store.PutTool(t); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist tool", err)
	}
	return t, nil
}

func (r *Registry) DeleteTool(id string) error {
	n, err := r.agentsReferencing(func(a *types.Agent) []string { return a.ToolRefs }, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return coreerr.Newf(coreerr.InUse, "tool %q is referenced by %d agent(s)", id, n)
	}
	if err := r.store.DeleteTool(id); err != nil {
		return coreerr.Wrap(coreerr.Internal, "delete tool", err)
	}
	return nil
}

func (r *Registry) ListTools() ([]*types.Tool, error) { return r.store.ListTools() }
func (r *Registry) GetTool(id string) (*types.Tool, error) {
	t, found, err := r.store.GetTool(id)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get tool", err)
	}
	if !found {
		return nil, coreerr.Newf(coreerr.NotFound, "tool %q not found", id)
	}
	return t, nil
}

func (r *Registry) CreateConstraint(c *types.Constraint) (*types.Constraint, error) {
	c.ID = ids.New()
	c.CreatedAt = ids.Now()
	if err := r.store.PutConstraint(c); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist constraint", err)
	}
	return c, nil
}

func (r *Registry) DeleteConstraint(id string) error {
	n, err := r.agentsReferencing(func(a *types.Agent) []string { return a.ConstraintRefs }, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return coreerr.Newf(coreerr.InUse, "constraint %q is referenced by %d agent(s)", id, n)
	}
	if err := r.store.DeleteConstraint(id); err != nil {
		return coreerr.Wrap(coreerr.Internal, "delete constraint", err)
	}
	return nil
}

func (r *Registry) ListConstraints() ([]*types.Constraint, error) { return r.store.ListConstraints() }

// Template, Workflow pass-throughs (no reference counting applied to
// these beyond agents/skills/tools/constraints).

func (r *Registry) CreateTemplate(t *types.Template) (*types.Template, error) {
	t.ID = ids.New()
	t.CreatedAt = ids.Now()
	if err := r.store.PutTemplate(t); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist template", err)
	}
	return t, nil
}

func (r *Registry) GetTemplate(id string) (*types.Template, error) {
	t, found, err := r.store.GetTemplate(id)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get template", err)
	}
	if !found {
		return nil, coreerr.Newf(coreerr.NotFound, "template %q not found", id)
	}
	return t, nil
}

func (r *Registry) ListTemplates() ([]*types.Template, error) { return r.store.ListTemplates() }

func (r *Registry) CreateWorkflow(w *types.Workflow) (*types.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, step := range w.Steps {
		if _, found, err := r.store.GetAgent(step.AgentRef); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "get agent for workflow step", err)
		} else if !found {
			return nil, coreerr.Newf(coreerr.BadInput, "workflow references unknown agent %q", step.AgentRef)
		}
	}
	w.ID = ids.New()
	w.Status = types.WorkflowStatusDraft
	w.CreatedAt = ids.Now()
	w.UpdatedAt = w.CreatedAt
	if err := r.store.PutWorkflow(w); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist workflow", err)
	}
	return w, nil
}

// ActivateWorkflow transitions a workflow to active, re-checking that
// every referenced agent still exists before activation.
func (r *Registry) ActivateWorkflow(workflowID string) (*types.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, found, err := r.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get workflow", err)
	}
	if !found {
		return nil, coreerr.Newf(coreerr.NotFound, "workflow %q not found", workflowID)
	}
	for _, step := range w.Steps {
		if _, found, err := r.store.GetAgent(step.AgentRef); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "get agent for workflow step", err)
		} else if !found {
			return nil, coreerr.Newf(coreerr.BadInput, "workflow references unknown agent %q", step.AgentRef)
		}
	}
	w.Status = types.WorkflowStatusActive
	w.UpdatedAt = ids.Now()
	if err := r.store.PutWorkflow(w); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist workflow", err)
	}
	return w, nil
}

func (r *Registry) GetWorkflow(id string) (*types.Workflow, error) {
	w, found, err := r.store.GetWorkflow(id)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get workflow", err)
	}
	if !found {
		return nil, coreerr.Newf(coreerr.NotFound, "workflow %q not found", id)
	}
	return w, nil
}

func (r *Registry) ListWorkflows() ([]*types.Workflow, error) { return r.store.ListWorkflows() }

// CreateSecret seals plaintext under the registry's secretBox and
// persists the ciphertext, scoped to ownerID. WithSecretBox must have
// been called first; an unconfigured box is treated as "secrets
// disabled" rather than silently storing plaintext.
func (r *Registry) CreateSecret(ownerID, name string, plaintext []byte) (*types.EnvironmentSecret, error) {
	if r.secretBox == nil {
		return nil, coreerr.New(coreerr.Unavailable, "environment secrets are not configured on this instance")
	}
	sealed, err := r.secretBox.Seal(plaintext)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "seal secret", err)
	}
	now := ids.Now()
	s := &types.EnvironmentSecret{
		ID:         ids.New(),
		OwnerID:    ownerID,
		Name:       name,
		Ciphertext: sealed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.PutSecret(s); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist secret", err)
	}
	return redactSecret(s), nil
}

// ListSecrets returns every secret's metadata for ownerID with
// ciphertext cleared; values never leave the registry in any form.
func (r *Registry) ListSecrets(ownerID string) ([]*types.EnvironmentSecret, error) {
	all, err := r.store.ListSecrets()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "list secrets", err)
	}
	out := make([]*types.EnvironmentSecret, 0, len(all))
	for _, s := range all {
		if s.OwnerID == ownerID {
			out = append(out, redactSecret(s))
		}
	}
	return out, nil
}

// DeleteSecret removes a secret, refusing while any agent still
// references its name in SecretRefs.
func (r *Registry) DeleteSecret(id string) error {
	s, found, err := r.store.GetSecret(id)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "get secret", err)
	}
	if !found {
		return coreerr.Newf(coreerr.NotFound, "secret %q not found", id)
	}
	n, err := r.agentsReferencing(func(a *types.Agent) []string { return a.SecretRefs }, s.Name)
	if err != nil {
		return err
	}
	if n > 0 {
		return coreerr.Newf(coreerr.InUse, "secret %q is referenced by %d agent(s)", s.Name, n)
	}
	if err := r.store.DeleteSecret(id); err != nil {
		return coreerr.Wrap(coreerr.Internal, "delete secret", err)
	}
	return nil
}

// ResolveSecrets decrypts the named secrets owned by ownerID, for
// injection into a worker's environment at deploy time. Unknown names
// are skipped rather than failing the whole deploy, since a stale
// SecretRef should not block a rollout the operator can't fix blind.
func (r *Registry) ResolveSecrets(ownerID string, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if r.secretBox == nil {
		return nil, coreerr.New(coreerr.Unavailable, "environment secrets are not configured on this instance")
	}
	all, err := r.store.ListSecrets()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "list secrets", err)
	}
	byName := make(map[string]*types.EnvironmentSecret, len(all))
	for _, s := range all {
		if s.OwnerID == ownerID {
			byName[s.Name] = s
		}
	}

	out := make(map[string]string, len(names))
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			continue
		}
		plaintext, err := r.secretBox.Open(s.Ciphertext)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, fmt.Sprintf("decrypt secret %q", name), err)
		}
		out[name] = string(plaintext)
	}
	return out, nil
}

// redactSecret returns a copy of s with Ciphertext cleared, for every
// path that crosses the registry's API boundary.
func redactSecret(s *types.EnvironmentSecret) *types.EnvironmentSecret {
	copied := *s
	copied.Ciphertext = nil
	return &copied
}

// CreateAlertRule persists a new alert rule, assigning its id.
func (r *Registry) CreateAlertRule(a *types.AlertRule) (*types.AlertRule, error) {
	a.ID = ids.New()
	a.CreatedAt = ids.Now()
	if err := r.store.PutAlertRule(a); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist alert rule", err)
	}
	return a, nil
}

// GetAlertRule looks up a single alert rule by id.
func (r *Registry) GetAlertRule(id string) (*types.AlertRule, error) {
	a, found, err := r.store.GetAlertRule(id)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "get alert rule", err)
	}
	if !found {
		return nil, coreerr.Newf(coreerr.NotFound, "alert rule %q not found", id)
	}
	return a, nil
}

// ListAlertRules returns every configured alert rule.
func (r *Registry) ListAlertRules() ([]*types.AlertRule, error) { return r.store.ListAlertRules() }

// DeleteAlertRule removes an alert rule. Unlike skills/tools/constraints,
// alert rules carry no agent back-reference to block the delete on.
func (r *Registry) DeleteAlertRule(id string) error {
	_, found, err := r.store.GetAlertRule(id)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "get alert rule", err)
	}
	if !found {
		return coreerr.Newf(coreerr.NotFound, "alert rule %q not found", id)
	}
	if err := r.store.DeleteAlertRule(id); err != nil {
		return coreerr.Wrap(coreerr.Internal, "delete alert rule", err)
	}
	return nil
}
