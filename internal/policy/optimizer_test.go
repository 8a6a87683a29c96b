package policy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkRule(id string, priority int, action Action, port int) Rule {
	return Rule{
		ID:           id,
		FilterID:     "f",
		Action:       action,
		Direction:    DirectionIn,
		Priority:     priority,
		Protocol:     "tcp",
		DstPortStart: port,
		DstPortEnd:   port,
	}
}

func TestAnalyzeReportsDuplicatesAndConflicts(t *testing.T) {
	rules := []Rule{
		mkRule("r1", 100, ActionAccept, 80),
		mkRule("r2", 100, ActionAccept, 80), // exact duplicate of r1
		mkRule("r3", 100, ActionAccept, 8080),
		mkRule("r4", 100, ActionDrop, 8080), // conflicts with r3
		mkRule("r5", 100, ActionAccept, 443),
	}

	a := Analyze(rules)
	assert.Equal(t, 5, a.TotalRules)
	assert.Equal(t, 1, a.Duplicates)
	assert.Equal(t, 1, a.Conflicts)
	assert.NotEmpty(t, a.Suggestions)
}

func TestOptimizeMixedRuleSet(t *testing.T) {
	// 11 rules: 2 exact duplicates, one 4-port consecutive run, one
	// same-port action conflict.
	rules := []Rule{
		mkRule("d1", 100, ActionAccept, 22),
		mkRule("d2", 100, ActionAccept, 22), // duplicate pair 1
		mkRule("d3", 110, ActionAccept, 53),
		mkRule("d4", 110, ActionAccept, 53), // duplicate pair 2
		mkRule("run1", 200, ActionAccept, 8000),
		mkRule("run2", 200, ActionAccept, 8001),
		mkRule("run3", 200, ActionAccept, 8002),
		mkRule("run4", 200, ActionAccept, 8003), // 4-port consecutive run
		mkRule("c1", 300, ActionAccept, 9090),
		mkRule("c2", 300, ActionDrop, 9090), // action conflict
		mkRule("x1", 400, ActionReject, 25),
	}
	require.Len(t, rules, 11)

	res := Optimize(rules, StrategyMostPermissive)

	assert.Less(t, len(res.OptimizedRules), 11, "optimized set must shrink")
	assert.Greater(t, res.Summary.DuplicatesRemoved, 0)
	assert.Greater(t, res.Summary.RangesConsolidated, 0)
	assert.Greater(t, res.Summary.ConflictsResolved, 0)

	// 11 - 2 duplicates - 3 collapsed run members - 1 conflict loser = 5
	assert.Len(t, res.OptimizedRules, 5)

	// The run must now be a single range rule 8000-8003.
	var foundRange bool
	for _, r := range res.OptimizedRules {
		if r.DstPortStart == 8000 && r.DstPortEnd == 8003 {
			foundRange = true
		}
	}
	assert.True(t, foundRange, "consecutive run not consolidated: %+v", res.OptimizedRules)

	// Most permissive keeps the accept side of the conflict.
	for _, r := range res.OptimizedRules {
		if r.DstPortStart == 9090 {
			assert.Equal(t, ActionAccept, r.Action)
		}
	}

	assert.NotEmpty(t, res.Diff, "optimization must produce a preview diff")
}

func TestOptimizeMostRestrictive(t *testing.T) {
	rules := []Rule{
		mkRule("a", 100, ActionAccept, 8080),
		mkRule("b", 900, ActionDrop, 8080),
	}

	res := Optimize(rules, StrategyMostRestrictive)
	require.Len(t, res.OptimizedRules, 1)
	assert.Equal(t, ActionDrop, res.OptimizedRules[0].Action)
	assert.Equal(t, 1, res.Summary.ConflictsResolved)
}

func TestOptimizeFirstMatchKeepsLowestPriority(t *testing.T) {
	rules := []Rule{
		mkRule("late", 900, ActionDrop, 8080),
		mkRule("early", 100, ActionAccept, 8080),
	}

	res := Optimize(rules, StrategyFirstMatch)
	require.Len(t, res.OptimizedRules, 1)
	assert.Equal(t, "early", res.OptimizedRules[0].ID)
}

func TestOptimizeNoChanges(t *testing.T) {
	rules := []Rule{
		mkRule("a", 100, ActionAccept, 80),
		mkRule("b", 200, ActionDrop, 443),
	}

	res := Optimize(rules, StrategyMostPermissive)
	assert.Len(t, res.OptimizedRules, 2)
	assert.Zero(t, res.Summary.DuplicatesRemoved)
	assert.Zero(t, res.Summary.ConflictsResolved)
	assert.Zero(t, res.Summary.RangesConsolidated)
}

func TestOptimizeDoesNotMergeAcrossPriorities(t *testing.T) {
	// Consecutive ports but different priorities: merging would reorder
	// evaluation, so the run must survive untouched.
	rules := []Rule{
		mkRule("a", 100, ActionAccept, 8000),
		mkRule("b", 200, ActionAccept, 8001),
	}

	res := Optimize(rules, StrategyMostPermissive)
	assert.Len(t, res.OptimizedRules, 2)
	assert.Zero(t, res.Summary.RangesConsolidated)
}

func TestOptimizeOutputSorted(t *testing.T) {
	var rules []Rule
	for i := 0; i < 6; i++ {
		rules = append(rules, mkRule(fmt.Sprintf("r%d", i), 600-100*i, ActionAccept, 1000+100*i))
	}

	res := Optimize(rules, StrategyMostPermissive)
	for i := 1; i < len(res.OptimizedRules); i++ {
		assert.LessOrEqual(t, res.OptimizedRules[i-1].Priority, res.OptimizedRules[i].Priority)
	}
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{
		"most_permissive":  StrategyMostPermissive,
		"MOST_RESTRICTIVE": StrategyMostRestrictive,
		"":                 StrategyFirstMatch,
		"first_match":      StrategyFirstMatch,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseStrategy("strictest")
	assert.Error(t, err)
}
