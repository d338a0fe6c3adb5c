package evac

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Objective names accepted by ParseWeights.
const (
	ObjectiveFairness   = "fairness"
	ObjectiveClearance  = "clearance"
	ObjectiveRobustness = "robustness"
)

var validObjectives = map[string]bool{
	ObjectiveFairness:   true,
	ObjectiveClearance:  true,
	ObjectiveRobustness: true,
}

// ValidObjectiveNames returns the sorted objective names.
func ValidObjectiveNames() []string {
	names := make([]string, 0, len(validObjectives))
	for name := range validObjectives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseWeights parses a comma-separated list of "objective:weight" pairs, e.g.
// "fairness:0.3,clearance:0.5,robustness:0.2". Omitted objectives weigh 0.
// Returns an error for unknown or duplicate objectives, malformed pairs,
// NaN/Inf/negative weights, or weights that do not sum to 1.0.
func ParseWeights(s string) (UserPreferences, error) {
	var prefs UserPreferences
	if strings.TrimSpace(s) == "" {
		return prefs, NewValidationError("weights", "must not be empty")
	}
	seen := make(map[string]bool, 3)
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return UserPreferences{}, NewValidationError("weights", "invalid pair %q (expected objective:weight)", strings.TrimSpace(part))
		}
		name := strings.TrimSpace(kv[0])
		if !validObjectives[name] {
			return UserPreferences{}, NewValidationError("weights", "unknown objective %q; valid: %s", name, strings.Join(ValidObjectiveNames(), ", "))
		}
		if seen[name] {
			return UserPreferences{}, NewValidationError("weights", "duplicate objective %q", name)
		}
		seen[name] = true
		w, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return UserPreferences{}, fmt.Errorf("invalid weight for objective %q: %w", name, err)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return UserPreferences{}, NewValidationError("weights", "objective %q weight must be a finite non-negative number, got %v", name, w)
		}
		switch name {
		case ObjectiveFairness:
			prefs.Fairness = w
		case ObjectiveClearance:
			prefs.Clearance = w
		case ObjectiveRobustness:
			prefs.Robustness = w
		}
	}
	if err := prefs.Validate(); err != nil {
		return UserPreferences{}, err
	}
	return prefs, nil
}

// String renders the preferences in ParseWeights format.
func (p UserPreferences) String() string {
	return fmt.Sprintf("fairness:%g,clearance:%g,robustness:%g", p.Fairness, p.Clearance, p.Robustness)
}
