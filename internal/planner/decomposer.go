// File: internal/planner/decomposer.go
package planner

import (
	"regexp"
	"sort"
	"strings"
)

// GoalType is an app-agnostic kind of goal.
type GoalType string

const (
	GoalAuthenticate      GoalType = "AUTHENTICATE"
	GoalAddDataEntry      GoalType = "ADD_DATA_ENTRY"
	GoalUpdateDataEntry   GoalType = "UPDATE_DATA_ENTRY"
	GoalDeleteDataEntry   GoalType = "DELETE_DATA_ENTRY"
	GoalViewData          GoalType = "VIEW_DATA"
	GoalNavigateToFeature GoalType = "NAVIGATE_TO_FEATURE"
	GoalSearch            GoalType = "SEARCH"
	GoalFilter            GoalType = "FILTER"
	GoalUnknown           GoalType = "UNKNOWN"
)

// MetaDataType is the metadata key carrying the kind of data a task is about
// ("mood", "note"). The gap planner only ever uses it to widen text patterns.
const MetaDataType = "dataType"

// Goal is one abstract goal derived from a task.
type Goal struct {
	ID          string
	Type        GoalType
	Description string
	Priority    int
	ParentID    string
	Metadata    map[string]string
}

// DataType returns the dataType hint, or "".
func (g Goal) DataType() string {
	return g.Metadata[MetaDataType]
}

var (
	authVerbs       = []string{"sign up", "create account", "sign in", "login", "log in", "register"}
	creationVerbs   = []string{"add", "create", "enter", "submit", "record", "log a"}
	navigationVerbs = []string{"navigate", "go to", "open"}
	inspectionVerbs = []string{"view", "see", "check", "verify"}

	articles = map[string]bool{"a": true, "an": true, "the": true, "my": true, "new": true, "some": true, "one": true}

	verbPatterns = map[string]*regexp.Regexp{}
)

func init() {
	for _, group := range [][]string{authVerbs, creationVerbs, navigationVerbs, inspectionVerbs} {
		for _, v := range group {
			verbPatterns[v] = regexp.MustCompile(`\b` + regexp.QuoteMeta(v) + `\b`)
		}
	}
}

// Decompose turns a natural-language task into abstract goals, highest
// priority first. It is deterministic and has no side effects.
func Decompose(task string) []Goal {
	lower := strings.ToLower(task)
	var goals []Goal

	if matchesAny(lower, authVerbs) {
		goals = append(goals, Goal{
			ID:          "authenticate",
			Type:        GoalAuthenticate,
			Description: "Authenticate user (sign up or sign in)",
			Priority:    10,
		})
	}

	// "create account" is an authentication phrase, not data entry.
	creation := verbPatterns["create account"].ReplaceAllString(lower, " ")
	if verb, ok := firstMatch(creation, creationVerbs); ok {
		dataType := nounAfter(creation, verb)
		desc := "Add " + dataType + " entry"
		if dataType == "entry" {
			desc = "Add entry"
		}
		goals = append(goals, Goal{
			ID:          "add_data_entry",
			Type:        GoalAddDataEntry,
			Description: desc,
			Priority:    8,
			ParentID:    "authenticate",
			Metadata:    map[string]string{MetaDataType: dataType},
		})
	}

	if matchesAny(lower, navigationVerbs) {
		goals = append(goals, Goal{
			ID:          "navigate_to_feature",
			Type:        GoalNavigateToFeature,
			Description: "Navigate to required feature",
			Priority:    9,
		})
	}

	if matchesAny(lower, inspectionVerbs) {
		goals = append(goals, Goal{
			ID:          "view_data",
			Type:        GoalViewData,
			Description: "View or verify data",
			Priority:    5,
		})
	}

	sort.SliceStable(goals, func(i, j int) bool { return goals[i].Priority > goals[j].Priority })
	return goals
}

func matchesAny(s string, verbs []string) bool {
	_, ok := firstMatch(s, verbs)
	return ok
}

// firstMatch returns the verb that occurs earliest in s.
func firstMatch(s string, verbs []string) (string, bool) {
	best, at := "", -1
	for _, v := range verbs {
		loc := verbPatterns[v].FindStringIndex(s)
		if loc != nil && (at == -1 || loc[0] < at) {
			best, at = v, loc[0]
		}
	}
	return best, at != -1
}

// nounAfter returns the first word after verb that is not an article,
// or "data" when there is none.
func nounAfter(s, verb string) string {
	loc := verbPatterns[verb].FindStringIndex(s)
	if loc == nil {
		return "data"
	}
	words := strings.FieldsFunc(s[loc[1]:], func(r rune) bool { return r < 'a' || r > 'z' })
	for _, w := range words {
		if articles[w] {
			continue
		}
		if w == "and" || w == "then" || w == "to" {
			break
		}
		return w
	}
	return "data"
}
