// Package capability implements the Capability Engine (C8): deriving
// an agent's capabilities from its skills, tools, configuration, and
// emergent skill/tool pairings, merging duplicates, and scoring
// confidence, without the database/ORM plumbing the Go registry
// already owns.
package capability

import (
	"sort"
	"strings"

	"github.com/agentmesh/controlplane/pkg/types"
)

const (
	skillBaseConfidence    = 0.8
	toolBaseConfidence     = 0.7
	configBaseConfidence   = 0.6
	emergentBaseConfidence = 0.5

	highUsageThreshold = 100
	highUsageBonus     = 0.1
)

// Engine derives and scores capabilities. It has no state of its own;
// every query takes the agent plus the skill/tool rows it references.
type Engine struct{}

// NewEngine creates a capability Engine.
func NewEngine() *Engine { return &Engine{} }

// Discover derives agent's capabilities from its skills, tools,
// declared configuration capabilities, and emergent skill/tool
// pairings, merges duplicates, scores confidence, and returns the
// result sorted by confidence descending.
func (e *Engine) Discover(agent *types.Agent, skills []*types.Skill, tools []*types.Tool) []types.Capability {
	var caps []types.Capability
	caps = append(caps, fromSkills(skills)...)
	caps = append(caps, fromTools(tools)...)
	caps = append(caps, fromConfig(agent)...)
	caps = append(caps, emergent(skills, tools)...)

	merged := merge(caps)
	for i := range merged {
		merged[i].Confidence = confidence(merged[i], agent, skills, tools)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Confidence > merged[j].Confidence })
	return merged
}

func fromSkills(skills []*types.Skill) []types.Capability {
	var out []types.Capability
	for _, s := range skills {
		out = append(out, types.Capability{
			Name:           "skill:" + s.Name,
			Category:       orDefault(s.Category, "general"),
			InputTypes:     s.InputTypes,
			OutputTypes:    s.OutputTypes,
			Confidence:     skillBaseConfidence,
			RequiredSkills: []string{s.Name},
		})
	}
	return out
}

func fromTools(tools []*types.Tool) []types.Capability {
	var out []types.Capability
	for _, t := range tools {
		out = append(out, types.Capability{
			Name:          "tool:" + t.Name,
			Category:      "tool",
			Confidence:    toolBaseConfidence,
			RequiredTools: []string{t.Name},
		})
	}
	return out
}

func fromConfig(agent *types.Agent) []types.Capability {
	var out []types.Capability
	for _, name := range agent.Capabilities {
		out = append(out, types.Capability{
			Name:       "config:" + name,
			Category:   "configuration",
			Confidence: configBaseConfidence,
		})
	}
	return out
}

// emergent synthesizes one capability per (skill, tool) pair whose
// skill outputs intersect the tool's inputs.
func emergent(skills []*types.Skill, tools []*types.Tool) []types.Capability {
	var out []types.Capability
	for _, s := range skills {
		for _, t := range tools {
			if !intersects(s.OutputTypes, toolInputTypes(t)) {
				continue
			}
			out = append(out, types.Capability{
				Name:           "emergent:" + s.Name + "+" + t.Name,
				Category:       "emergent",
				InputTypes:     s.InputTypes,
				OutputTypes:    toolOutputTypes(t),
				Confidence:     emergentBaseConfidence,
				RequiredSkills: []string{s.Name},
				RequiredTools:  []string{t.Name},
				Emergent:       true,
			})
		}
	}
	return out
}

// toolInputTypes/toolOutputTypes: Tool in the registry has no
// dedicated input/output type fields (it carries a schema instead);
// the emergent-pairing check uses the tool's schema property names as
// a stand-in input/output type vocabulary.
func toolInputTypes(t *types.Tool) []string  { return schemaPropertyNames(t.Schema) }
func toolOutputTypes(t *types.Tool) []string { return schemaPropertyNames(t.Schema) }

func schemaPropertyNames(doc *types.SchemaDoc) []string {
	if doc == nil {
		return nil
	}
	var names []string
	for name := range doc.Properties {
		names = append(names, name)
	}
	return names
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

// mergeKey = (category, sorted input-types, sorted output-types).
type mergeKey struct {
	category string
	inputs   string
	outputs  string
}

func keyOf(c types.Capability) mergeKey {
	in := append([]string(nil), c.InputTypes...)
	out := append([]string(nil), c.OutputTypes...)
	sort.Strings(in)
	sort.Strings(out)
	return mergeKey{category: c.Category, inputs: strings.Join(in, ","), outputs: strings.Join(out, ",")}
}

// merge groups capabilities by mergeKey, keeping the max base
// confidence and the union of required skills/tools. Idempotent:
// merging an already-merged set yields the same set.
func merge(caps []types.Capability) []types.Capability {
	groups := make(map[mergeKey][]types.Capability)
	var order []mergeKey
	for _, c := range caps {
		k := keyOf(c)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	out := make([]types.Capability, 0, len(order))
	for _, k := range order {
		group := groups[k]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		merged := group[0]
		merged.Name = "merged:" + k.category
		var skillSet, toolSet map[string]bool = map[string]bool{}, map[string]bool{}
		for _, c := range group {
			if c.Confidence > merged.Confidence {
				merged.Confidence = c.Confidence
			}
			for _, s := range c.RequiredSkills {
				skillSet[s] = true
			}
			for _, t := range c.RequiredTools {
				toolSet[t] = true
			}
		}
		merged.RequiredSkills = sortedKeys(skillSet)
		merged.RequiredTools = sortedKeys(toolSet)
		out = append(out, merged)
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// confidence applies the usage-count bonus and the required-skill/tool
// availability penalty.
func confidence(c types.Capability, agent *types.Agent, skills []*types.Skill, tools []*types.Tool) float64 {
	score := c.Confidence
	if agent.UsageCount > highUsageThreshold {
		score += highUsageBonus
	}

	if len(c.RequiredSkills) > 0 {
		score *= availability(c.RequiredSkills, agent.SkillRefs, skillNames(skills))
	}
	if len(c.RequiredTools) > 0 {
		score *= availability(c.RequiredTools, agent.ToolRefs, toolNames(tools))
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score
}

// availability returns the fraction of required names the agent
// actually has, resolving refs (ids) to names via the supplied lookup.
func availability(required, ownedRefs []string, nameByRef map[string]string) float64 {
	owned := make(map[string]bool, len(ownedRefs))
	for _, ref := range ownedRefs {
		if name, ok := nameByRef[ref]; ok {
			owned[name] = true
		} else {
			owned[ref] = true
		}
	}
	present := 0
	for _, r := range required {
		if owned[r] {
			present++
		}
	}
	if len(required) == 0 {
		return 1.0
	}
	return float64(present) / float64(len(required))
}

func skillNames(skills []*types.Skill) map[string]string {
	out := make(map[string]string, len(skills))
	for _, s := range skills {
		out[s.ID] = s.Name
	}
	return out
}

func toolNames(tools []*types.Tool) map[string]string {
	out := make(map[string]string, len(tools))
	for _, t := range tools {
		out[t.ID] = t.Name
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
