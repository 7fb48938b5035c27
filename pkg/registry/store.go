// Package registry implements the Agent Registry (C7): the
// authoritative store of agents, versions, skills, tools, constraints,
// templates, and workflows, persisted with a bucket-per-entity bbolt
// layout.
package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/agentmesh/controlplane/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents        = []byte("agents")
	bucketAgentVersions = []byte("agent_versions")
	bucketSkills        = []byte("skills")
	bucketTools         = []byte("tools")
	bucketConstraints   = []byte("constraints")
	bucketTemplates     = []byte("templates")
	bucketWorkflows     = []byte("workflows")
	bucketAlertRules    = []byte("alert_rules")
	bucketExecutions    = []byte("executions")
	bucketSecrets       = []byte("environment_secrets")
)

var allBuckets = [][]byte{
	bucketAgents, bucketAgentVersions, bucketSkills, bucketTools,
	bucketConstraints, bucketTemplates, bucketWorkflows, bucketAlertRules,
	bucketExecutions, bucketSecrets,
}

// BoltStore is the bbolt-backed persistence layer for the registry.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under
// dataDir and ensures every entity bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "agentmesh.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(db *bolt.DB, bucket []byte, id string, v any) error {
	return db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

func get[T any](db *bolt.DB, bucket []byte, id string) (*T, bool, error) {
	var v T
	var found bool
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &v)
	})
	return &v, found, err
}

func list[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			out = append(out, &item)
			return nil
		})
	})
	return out, err
}

func remove(db *bolt.DB, bucket []byte, id string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

// Agent operations.
func (s *BoltStore) PutAgent(a *types.Agent) error { return put(s.db, bucketAgents, a.ID, a) }
func (s *BoltStore) GetAgent(id string) (*types.Agent, bool, error) {
	return get[types.Agent](s.db, bucketAgents, id)
}
func (s *BoltStore) ListAgents() ([]*types.Agent, error) { return list[types.Agent](s.db, bucketAgents) }
func (s *BoltStore) DeleteAgent(id string) error         { return remove(s.db, bucketAgents, id) }

// Agent version operations.
func (s *BoltStore) PutAgentVersion(v *types.AgentVersion) error {
	return put(s.db, bucketAgentVersions, v.ID, v)
}
func (s *BoltStore) ListAgentVersions(agentID string) ([]*types.AgentVersion, error) {
	all, err := list[types.AgentVersion](s.db, bucketAgentVersions)
	if err != nil {
		return nil, err
	}
	var out []*types.AgentVersion
	for _, v := range all {
		if v.AgentID == agentID {
			out = append(out, v)
		}
	}
	return out, nil
}
func (s *BoltStore) GetAgentVersion(id string) (*types.AgentVersion, bool, error) {
	return get[types.AgentVersion](s.db, bucketAgentVersions, id)
}

// Skill operations.
func (s *BoltStore) PutSkill(v *types.Skill) error { return put(s.db, bucketSkills, v.ID, v) }
func (s *BoltStore) GetSkill(id string) (*types.Skill, bool, error) {
	return get[types.Skill](s.db, bucketSkills, id)
}
func (s *BoltStore) ListSkills() ([]*types.Skill, error) { return list[types.Skill](s.db, bucketSkills) }
func (s *BoltStore) DeleteSkill(id string) error         { return remove(s.db, bucketSkills, id) }

// Tool operations.
func (s *BoltStore) PutTool(v *types.Tool) error { return put(s.db, bucketTools, v.ID, v) }
func (s *BoltStore) GetTool(id string) (*types.Tool, bool, error) {
	return get[types.Tool](s.db, bucketTools, id)
}
func (s *BoltStore) ListTools() ([]*types.Tool, error) { return list[types.Tool](s.db, bucketTools) }
func (s *BoltStore) DeleteTool(id string) error        { return remove(s.db, bucketTools, id) }

// Constraint operations.
func (s *BoltStore) PutConstraint(v *types.Constraint) error {
	return put(s.db, bucketConstraints, v.ID, v)
}
func (s *BoltStore) GetConstraint(id string) (*types.Constraint, bool, error) {
	return get[types.Constraint](s.db, bucketConstraints, id)
}
func (s *BoltStore) ListConstraints() ([]*types.Constraint, error) {
	return list[types.Constraint](s.db, bucketConstraints)
}
func (s *BoltStore) DeleteConstraint(id string) error { return remove(s.db, bucketConstraints, id) }

// Template operations.
func (s *BoltStore) PutTemplate(v *types.Template) error { return put(s.db, bucketTemplates, v.ID, v) }
func (s *BoltStore) GetTemplate(id string) (*types.Template, bool, error) {
	return get[types.Template](s.db, bucketTemplates, id)
}
func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	return list[types.Template](s.db, bucketTemplates)
}
func (s *BoltStore) DeleteTemplate(id string) error { return remove(s.db, bucketTemplates, id) }

// Workflow operations.
func (s *BoltStore) PutWorkflow(v *types.Workflow) error { return put(s.db, bucketWorkflows, v.ID, v) }
func (s *BoltStore) GetWorkflow(id string) (*types.Workflow, bool, error) {
	return get[types.Workflow](s.db, bucketWorkflows, id)
}
func (s *BoltStore) ListWorkflows() ([]*types.Workflow, error) {
	return list[types.Workflow](s.db, bucketWorkflows)
}
func (s *BoltStore) DeleteWorkflow(id string) error { return remove(s.db, bucketWorkflows, id) }

// Alert rule operations.
func (s *BoltStore) PutAlertRule(v *types.AlertRule) error { return put(s.db, bucketAlertRules, v.ID, v) }
func (s *BoltStore) GetAlertRule(id string) (*types.AlertRule, bool, error) {
	return get[types.AlertRule](s.db, bucketAlertRules, id)
}
func (s *BoltStore) ListAlertRules() ([]*types.AlertRule, error) {
	return list[types.AlertRule](s.db, bucketAlertRules)
}
func (s *BoltStore) DeleteAlertRule(id string) error { return remove(s.db, bucketAlertRules, id) }

// Execution operations. Satisfies workflow.ExecutionStore structurally
// (the engine persists state before and after every step).
func (s *BoltStore) PutExecution(v *types.Execution) error {
	return put(s.db, bucketExecutions, v.ID, v)
}
func (s *BoltStore) GetExecution(id string) (*types.Execution, bool, error) {
	return get[types.Execution](s.db, bucketExecutions, id)
}
func (s *BoltStore) ListExecutions() ([]*types.Execution, error) {
	return list[types.Execution](s.db, bucketExecutions)
}

// Environment secret operations.
func (s *BoltStore) PutSecret(v *types.EnvironmentSecret) error {
	return put(s.db, bucketSecrets, v.ID, v)
}
func (s *BoltStore) GetSecret(id string) (*types.EnvironmentSecret, bool, error) {
	return get[types.EnvironmentSecret](s.db, bucketSecrets, id)
}
func (s *BoltStore) ListSecrets() ([]*types.EnvironmentSecret, error) {
	return list[types.EnvironmentSecret](s.db, bucketSecrets)
}
func (s *BoltStore) DeleteSecret(id string) error { return remove(s.db, bucketSecrets, id) }

// ListEnabledRules satisfies alert.RuleStore.
func (s *BoltStore) ListEnabledRules() []types.AlertRule {
	rules, err := s.ListAlertRules()
	if err != nil {
		return nil
	}
	var out []types.AlertRule
	for _, r := range rules {
		if r.Enabled {
			out = append(out, *r)
		}
	}
	return out
}
