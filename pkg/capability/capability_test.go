package capability

import (
	"testing"

	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_EmergentCapabilityFromSkillToolPair(t *testing.T) {
	skills := []*types.Skill{{ID: "s1", Name: "summarize", Category: "text", OutputTypes: []string{"text"}}}
	tools := []*types.Tool{{ID: "t1", Name: "publish", Schema: &types.SchemaDoc{
		Type:       types.SchemaObject,
		Properties: map[string]*types.SchemaDoc{"text": {Type: types.SchemaString}},
	}}}
	agent := &types.Agent{SkillRefs: []string{"s1"}, ToolRefs: []string{"t1"}}

	e := NewEngine()
	caps := e.Discover(agent, skills, tools)

	var found bool
	for _, c := range caps {
		if c.Emergent {
			found = true
			assert.Equal(t, []string{"summarize"}, c.RequiredSkills)
			assert.Equal(t, []string{"publish"}, c.RequiredTools)
		}
	}
	assert.True(t, found, "expected an emergent capability from skill output / tool input match")
}

func TestMerge_IsIdempotent(t *testing.T) {
	caps := []types.Capability{
		{Name: "a", Category: "text", Confidence: 0.5},
		{Name: "b", Category: "text", Confidence: 0.7},
	}
	once := merge(caps)
	twice := merge(once)
	assert.Len(t, twice, len(once))
	assert.LessOrEqual(t, len(once), len(caps))
}

func TestConfidence_PenalizedWhenSkillsMissing(t *testing.T) {
	skills := []*types.Skill{{ID: "s1", Name: "summarize"}}
	agent := &types.Agent{SkillRefs: []string{}} // agent does not actually have the skill
	e := NewEngine()

	caps := e.Discover(agent, skills, nil)
	require.NotEmpty(t, caps)
	for _, c := range caps {
		if len(c.RequiredSkills) > 0 {
			assert.Less(t, c.Confidence, skillBaseConfidence)
		}
	}
}

func TestRecommendTools_ScoresAndCapsAtTen(t *testing.T) {
	var tools []*types.Tool
	for i := 0; i < 15; i++ {
		tools = append(tools, &types.Tool{ID: string(rune('a' + i)), Name: "tool", Kind: types.ToolKindREST})
	}
	e := NewEngine()
	recs := e.RecommendTools(ToolRequirements{Kind: types.ToolKindREST}, tools)
	assert.Len(t, recs, 10)
}

func TestIdentifyGaps_ClassifiesImpact(t *testing.T) {
	e := NewEngine()
	gaps := e.IdentifyGaps(map[string][]string{
		"data_analysis": {"data-processing", "statistics", "visualization"},
	}, nil, nil)
	require.Len(t, gaps, 1)
	assert.Equal(t, ImpactHigh, gaps[0].Impact) // 3/3 missing = 1.0 fraction
}

func TestSuggestSkillCombinations_FindsComplementaryPair(t *testing.T) {
	s1 := &types.Skill{Name: "extract", OutputTypes: []string{"json"}}
	s2 := &types.Skill{Name: "format", InputTypes: []string{"json"}}
	e := NewEngine()

	combos := e.SuggestSkillCombinations(TaskRequirements{Category: "general"}, []*types.Skill{s1, s2})
	var hasPair bool
	for _, c := range combos {
		if len(c.Skills) == 2 {
			hasPair = true
		}
	}
	assert.True(t, hasPair)
}
