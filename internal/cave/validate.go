package cave

import (
	"fmt"
	"strings"
)

// ValidationError lists every structural problem found in a submitted graph.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "invalid cave"
	}
	return "invalid cave: " + strings.Join(e.Problems, "; ")
}

// Validate checks the structural rules shared by proposals and direct cave
// writes. It returns nil or a *ValidationError.
func Validate(g *Graph) error {
	if g == nil {
		return &ValidationError{Problems: []string{"cave is required"}}
	}

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(g.Name) == "" {
		addf("name is required")
	}
	if strings.TrimSpace(g.CountyID) == "" {
		addf("countyId is required")
	}
	if strings.TrimSpace(g.StateID) == "" {
		addf("stateId is required")
	}
	checkNonNegative(addf, "lengthFeet", g.LengthFeet)
	checkNonNegative(addf, "depthFeet", g.DepthFeet)
	checkNonNegative(addf, "maxPitDepthFeet", g.MaxPitDepthFeet)
	if g.NumberOfPits != nil && *g.NumberOfPits < 0 {
		addf("numberOfPits must not be negative")
	}

	if len(g.Entrances) == 0 {
		addf("at least one entrance is required")
	}
	primaries := 0
	seenIDs := map[string]struct{}{}
	for i, entrance := range g.Entrances {
		label := fmt.Sprintf("entrances[%d]", i)
		if entrance.IsPrimary {
			primaries++
		}
		if entrance.ID != "" {
			if _, dup := seenIDs[entrance.ID]; dup {
				addf("%s.id %q is duplicated", label, entrance.ID)
			}
			seenIDs[entrance.ID] = struct{}{}
		}
		checkNonNegative(addf, label+".pitDepthFeet", entrance.PitDepthFeet)
		if entrance.Latitude != nil && (*entrance.Latitude < -90 || *entrance.Latitude > 90) {
			addf("%s.latitude must be between -90 and 90", label)
		}
		if entrance.Longitude != nil && (*entrance.Longitude < -180 || *entrance.Longitude > 180) {
			addf("%s.longitude must be between -180 and 180", label)
		}
	}
	if primaries > 1 {
		addf("only one entrance may be primary")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func checkNonNegative(addf func(string, ...any), field string, value *float64) {
	if value != nil && *value < 0 {
		addf("%s must not be negative", field)
	}
}
