package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Strategy selects how conflicting same-selector rules are resolved when
// optimizing. It never affects resolution (§ conflict policy: the resolver
// keeps both); it only applies to the optimizer's reduced output.
type Strategy string

const (
	// StrategyMostPermissive keeps the accept rule of a conflicting group.
	StrategyMostPermissive Strategy = "most_permissive"
	// StrategyMostRestrictive keeps the drop/reject rule of a conflicting group.
	StrategyMostRestrictive Strategy = "most_restrictive"
	// StrategyFirstMatch keeps the rule the enforcement layer would hit first
	// (lowest priority value, then discovery order).
	StrategyFirstMatch Strategy = "first_match"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyMostPermissive:
		return StrategyMostPermissive, nil
	case StrategyMostRestrictive:
		return StrategyMostRestrictive, nil
	case StrategyFirstMatch, "":
		return StrategyFirstMatch, nil
	}
	return "", fmt.Errorf("unknown optimization strategy: %s", s)
}

// Analysis is the read-only report over a rule set.
type Analysis struct {
	TotalRules  int      `json:"totalRules"`
	Duplicates  int      `json:"duplicates"`
	Conflicts   int      `json:"conflicts"`
	Suggestions []string `json:"suggestions"`
}

// OptimizeSummary counts what an optimization pass changed.
type OptimizeSummary struct {
	DuplicatesRemoved  int `json:"duplicatesRemoved"`
	ConflictsResolved  int `json:"conflictsResolved"`
	RangesConsolidated int `json:"rangesConsolidated"`
}

// OptimizeResult is the outcome of one optimization pass.
type OptimizeResult struct {
	OptimizedRules []Rule          `json:"optimizedRules"`
	Summary        OptimizeSummary `json:"summary"`
	Diff           string          `json:"diff,omitempty"`
}

// Analyze inspects a rule set without changing it: exact duplicates, action
// conflicts and consolidatable single-port runs.
func Analyze(rules []Rule) Analysis {
	a := Analysis{TotalRules: len(rules)}

	seen := make(map[string]Rule)     // selector+action -> first rule
	selectors := make(map[string]int) // selector -> distinct action count
	actions := make(map[string]map[Action]bool)

	for _, r := range rules {
		exact := r.SelectorKey() + "#" + string(r.Action)
		if _, dup := seen[exact]; dup {
			a.Duplicates++
		} else {
			seen[exact] = r
		}

		key := r.SelectorKey()
		if actions[key] == nil {
			actions[key] = make(map[Action]bool)
		}
		actions[key][r.Action] = true
		selectors[key]++
	}

	for key, acts := range actions {
		if len(acts) > 1 {
			a.Conflicts++
			a.Suggestions = append(a.Suggestions,
				fmt.Sprintf("conflicting actions on selector %s; pick a strategy to collapse them", key))
		}
	}
	if a.Duplicates > 0 {
		a.Suggestions = append(a.Suggestions,
			fmt.Sprintf("%d exact duplicate rule(s) can be removed", a.Duplicates))
	}

	for _, run := range consolidatableRuns(rules) {
		a.Suggestions = append(a.Suggestions,
			fmt.Sprintf("ports %d-%d (%s/%s/%s) can be one range rule",
				run[0].DstPortStart, run[len(run)-1].DstPortStart,
				strings.ToLower(run[0].Protocol), run[0].Direction, run[0].Action))
	}

	sort.Strings(a.Suggestions)
	return a
}

// Optimize reduces a rule set: exact duplicates collapse to one, conflicting
// same-selector rules collapse per strategy, and consecutive single-port
// rules with identical protocol/direction/action merge into range rules.
// The input is not modified; the result includes a unified diff of the
// readable rule listings.
func Optimize(rules []Rule, strategy Strategy) OptimizeResult {
	res := OptimizeResult{}

	// Pass 1: exact duplicates. First occurrence wins so the surviving rule
	// keeps the earliest evaluation slot.
	var deduped []Rule
	seen := make(map[string]bool)
	for _, r := range rules {
		exact := r.SelectorKey() + "#" + string(r.Action)
		if seen[exact] {
			res.Summary.DuplicatesRemoved++
			continue
		}
		seen[exact] = true
		deduped = append(deduped, r)
	}

	// Pass 2: action conflicts per selector.
	groups := make(map[string][]Rule)
	var order []string
	for _, r := range deduped {
		key := r.SelectorKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	var resolved []Rule
	for _, key := range order {
		group := groups[key]
		if len(group) == 1 || !hasConflict(group) {
			resolved = append(resolved, group...)
			continue
		}
		resolved = append(resolved, pickWinner(group, strategy))
		res.Summary.ConflictsResolved++
	}

	// Pass 3: consolidate consecutive single-port runs.
	optimized, consolidated := consolidateRanges(resolved)
	res.Summary.RangesConsolidated = consolidated

	sort.SliceStable(optimized, func(i, j int) bool {
		return optimized[i].Priority < optimized[j].Priority
	})

	res.OptimizedRules = optimized
	res.Diff = renderDiff(rules, optimized)
	return res
}

func hasConflict(group []Rule) bool {
	for _, r := range group[1:] {
		if r.Action != group[0].Action {
			return true
		}
	}
	return false
}

func pickWinner(group []Rule, strategy Strategy) Rule {
	switch strategy {
	case StrategyMostPermissive:
		for _, r := range group {
			if r.Action == ActionAccept {
				return r
			}
		}
	case StrategyMostRestrictive:
		for _, r := range group {
			if r.Action != ActionAccept {
				return r
			}
		}
	}
	// First match: lowest priority value, stable on ties.
	winner := group[0]
	for _, r := range group[1:] {
		if r.Priority < winner.Priority {
			winner = r
		}
	}
	return winner
}

// runKey groups single-port rules that may merge into a range.
func runKey(r Rule) string {
	return fmt.Sprintf("%s|%s|%s|%s/%s|%s/%s|%s|%d",
		strings.ToLower(r.Protocol), r.Direction, r.Action,
		r.SrcIP, r.SrcMask, r.DstIP, r.DstMask, r.State, r.Priority)
}

// consolidatableRuns finds runs of 2+ single-port rules on consecutive ports
// sharing protocol, direction, action and the rest of the selector.
func consolidatableRuns(rules []Rule) [][]Rule {
	groups := make(map[string][]Rule)
	var order []string
	for _, r := range rules {
		if !r.IsSinglePort() {
			continue
		}
		key := runKey(r)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	var runs [][]Rule
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].DstPortStart < group[j].DstPortStart
		})
		start := 0
		for i := 1; i <= len(group); i++ {
			if i < len(group) && group[i].DstPortStart == group[i-1].DstPortStart+1 {
				continue
			}
			if i-start >= 2 {
				runs = append(runs, group[start:i])
			}
			start = i
		}
	}
	return runs
}

// consolidateRanges replaces each run with one range rule and returns the new
// set plus the number of runs consolidated.
func consolidateRanges(rules []Rule) ([]Rule, int) {
	runs := consolidatableRuns(rules)
	if len(runs) == 0 {
		return rules, 0
	}

	drop := make(map[string]bool)
	for _, run := range runs {
		for _, r := range run {
			drop[r.ID] = true
		}
	}

	var out []Rule
	emitted := make(map[string]bool) // run head id -> emitted
	headOf := make(map[string]Rule)
	for _, run := range runs {
		head := run[0]
		head.DstPortEnd = run[len(run)-1].DstPortStart
		for _, r := range run {
			headOf[r.ID] = head
		}
	}

	for _, r := range rules {
		if !drop[r.ID] {
			out = append(out, r)
			continue
		}
		head := headOf[r.ID]
		if emitted[head.ID] {
			continue
		}
		emitted[head.ID] = true
		out = append(out, head)
	}
	return out, len(runs)
}

// renderDiff produces a unified diff of the readable rule listings so callers
// can preview what an optimization pass changed.
func renderDiff(before, after []Rule) string {
	describe := func(rules []Rule) []string {
		lines := make([]string, 0, len(rules))
		for _, r := range rules {
			lines = append(lines, r.Describe()+"\n")
		}
		return lines
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        describe(before),
		B:        describe(after),
		FromFile: "current",
		ToFile:   "optimized",
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return text
}
