package capability

import (
	"sort"
	"strings"

	"github.com/agentmesh/controlplane/pkg/types"
)

// TaskRequirements is the keyword-analyzed shape of a task description:
// category, input types, and output types.
type TaskRequirements struct {
	Category    string
	InputTypes  []string
	OutputTypes []string
}

// AnalyzeTask runs a simple keyword-based analysis: looks for "data"
// and "code" in the description, defaulting to a general
// text-in/text-out task otherwise.
func AnalyzeTask(description string) TaskRequirements {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "data"):
		return TaskRequirements{Category: "data", InputTypes: []string{"data", "text"}, OutputTypes: []string{"analysis", "visualization"}}
	case strings.Contains(lower, "code"):
		return TaskRequirements{Category: "development", InputTypes: []string{"code", "text"}, OutputTypes: []string{"code", "documentation"}}
	default:
		return TaskRequirements{Category: "general", InputTypes: []string{"text"}, OutputTypes: []string{"text"}}
	}
}

// SkillCombination is a recommended single skill or complementary pair.
type SkillCombination struct {
	Skills      []string
	Name        string
	SynergyScore float64
}

// complementary reports whether outputs of one skill intersect inputs
// of the other, in either direction.
func complementary(a, b *types.Skill) bool {
	return intersects(a.OutputTypes, b.InputTypes) || intersects(b.OutputTypes, a.InputTypes)
}

// SuggestSkillCombinations enumerates single skills and complementary
// pairs from candidates, scores by complementarity + category match,
// and returns the top 10 by synergy score descending.
func (e *Engine) SuggestSkillCombinations(task TaskRequirements, candidates []*types.Skill) []SkillCombination {
	var combos []SkillCombination

	for _, s := range candidates {
		score := 0.5
		if s.Category == task.Category {
			score += 0.25
		}
		combos = append(combos, SkillCombination{Skills: []string{s.Name}, Name: "single:" + s.Name, SynergyScore: score})
	}

	for i, a := range candidates {
		for _, b := range candidates[i+1:] {
			if !complementary(a, b) {
				continue
			}
			score := 0.7
			if a.Category == task.Category || b.Category == task.Category {
				score += 0.15
			}
			if score > 1.0 {
				score = 1.0
			}
			combos = append(combos, SkillCombination{
				Skills:       []string{a.Name, b.Name},
				Name:         "pair:" + a.Name + "+" + b.Name,
				SynergyScore: score,
			})
		}
	}

	sort.SliceStable(combos, func(i, j int) bool { return combos[i].SynergyScore > combos[j].SynergyScore })
	if len(combos) > 10 {
		combos = combos[:10]
	}
	return combos
}

// GapImpact classifies how severely a set of missing skills limits a
// capability.
type GapImpact string

const (
	ImpactLow    GapImpact = "low"
	ImpactMedium GapImpact = "medium"
	ImpactHigh   GapImpact = "high"
)

// SkillGap is one capability's missing-skill analysis.
type SkillGap struct {
	TargetCapability string
	MissingSkills    []string
	Alternatives     []string
	Impact           GapImpact
}

// IdentifyGaps computes, for each target capability, the required
// skills minus the owned skill set, classifying impact by the
// fraction missing (thresholds at 0.5 and 0.8 of required).
func (e *Engine) IdentifyGaps(requiredByCapability map[string][]string, ownedSkills []string, allSkills []*types.Skill) []SkillGap {
	owned := make(map[string]bool, len(ownedSkills))
	for _, s := range ownedSkills {
		owned[s] = true
	}

	var gaps []SkillGap
	for capName, required := range requiredByCapability {
		var missing []string
		for _, r := range required {
			if !owned[r] {
				missing = append(missing, r)
			}
		}
		if len(missing) == 0 {
			continue
		}

		fraction := float64(len(missing)) / float64(len(required))
		impact := ImpactLow
		if fraction >= 0.8 {
			impact = ImpactHigh
		} else if fraction >= 0.5 {
			impact = ImpactMedium
		}

		gaps = append(gaps, SkillGap{
			TargetCapability: capName,
			MissingSkills:    missing,
			Alternatives:     similarSkillNames(missing, allSkills),
			Impact:           impact,
		})
	}

	sort.SliceStable(gaps, func(i, j int) bool { return impactRank(gaps[i].Impact) > impactRank(gaps[j].Impact) })
	return gaps
}

func impactRank(i GapImpact) int {
	switch i {
	case ImpactHigh:
		return 3
	case ImpactMedium:
		return 2
	default:
		return 1
	}
}

// similarSkillNames finds candidates in allSkills whose name shares a
// category with any missing skill of the same category, a simple
// stand-in for a fuzzy name search.
func similarSkillNames(missing []string, allSkills []*types.Skill) []string {
	missingSet := make(map[string]bool, len(missing))
	for _, m := range missing {
		missingSet[m] = true
	}
	missingCategories := make(map[string]bool)
	for _, s := range allSkills {
		if missingSet[s.Name] {
			missingCategories[s.Category] = true
		}
	}
	var alts []string
	for _, s := range allSkills {
		if !missingSet[s.Name] && missingCategories[s.Category] {
			alts = append(alts, s.Name)
		}
	}
	return alts
}

// ToolRecommendation is a scored tool with an integration-effort label.
type ToolRecommendation struct {
	Tool             *types.Tool
	Score            float64
	IntegrationEffort string
}

// ToolRequirements names what RecommendTools is scoring tools against.
type ToolRequirements struct {
	Capabilities []string
	Kind         types.ToolKind
}

// RecommendTools scores every tool in tools (types.Tool carries no
// status, so none is filtered out) by (capability overlap*0.4)
// + (kind-match*0.2) + (success-rate-bonus*0.2) + (popularity*0.1) +
// (docs*0.1), returning the top 10 with an integration-effort label
// derived from auth kind.
func (e *Engine) RecommendTools(req ToolRequirements, tools []*types.Tool) []ToolRecommendation {
	var out []ToolRecommendation
	for _, t := range tools {
		overlap := overlapScore(req.Capabilities, schemaPropertyNames(t.Schema))
		kindMatch := 0.0
		if req.Kind != "" && t.Kind == req.Kind {
			kindMatch = 1.0
		}
		successRate := 0.0
		if t.Stats.TotalCalls > 0 {
			successRate = float64(t.Stats.SuccessCalls) / float64(t.Stats.TotalCalls)
		}
		popularity := popularityScore(t.Stats.TotalCalls)
		docs := 0.0
		if t.DocsURL != "" {
			docs = 1.0
		}

		score := overlap*0.4 + kindMatch*0.2 + successRate*0.2 + popularity*0.1 + docs*0.1
		out = append(out, ToolRecommendation{Tool: t, Score: score, IntegrationEffort: effortFor(t.AuthKind)})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func overlapScore(want, have []string) float64 {
	if len(want) == 0 {
		return 0
	}
	haveSet := make(map[string]bool, len(have))
	for _, h := range have {
		haveSet[h] = true
	}
	matches := 0
	for _, w := range want {
		if haveSet[w] {
			matches++
		}
	}
	return float64(matches) / float64(len(want))
}

// popularityScore saturates at 1.0 once a tool has handled 1000 calls.
func popularityScore(totalCalls int64) float64 {
	const saturation = 1000.0
	score := float64(totalCalls) / saturation
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func effortFor(authKind string) string {
	switch authKind {
	case "", "none":
		return "low"
	case "api-key", "basic":
		return "medium"
	default:
		return "high"
	}
}
