package resultmodel

import (
	"encoding/json"
	"strings"
)

// TestResult is the canonical outcome of a test case.
type TestResult int

const (
	Passed TestResult = iota
	Failed
	NoRun
	Skipped
	Other
	Error
	Blocked
	Hang
	Crashed
)

var testResultNames = [...]string{
	Passed:  "Passed",
	Failed:  "Failed",
	NoRun:   "NoRun",
	Skipped: "Skipped",
	Other:   "Other",
	Error:   "Error",
	Blocked: "Blocked",
	Hang:    "Hang",
	Crashed: "Crashed",
}

// AllResults lists every canonical result in declaration order.
func AllResults() []TestResult {
	return []TestResult{Passed, Failed, NoRun, Skipped, Other, Error, Blocked, Hang, Crashed}
}

func (r TestResult) String() string {
	if r < 0 || int(r) >= len(testResultNames) {
		return testResultNames[Other]
	}
	return testResultNames[r]
}

// ParseTestResult resolves a canonical result name, case-insensitively.
// The second return value is false when the name is not canonical.
func ParseTestResult(s string) (TestResult, bool) {
	s = strings.TrimSpace(s)
	for i, name := range testResultNames {
		if strings.EqualFold(name, s) {
			return TestResult(i), true
		}
	}
	return Other, false
}

// ResultOrOther is ParseTestResult with unknown names mapped to Other.
func ResultOrOther(s string) TestResult {
	r, _ := ParseTestResult(s)
	return r
}

func (r TestResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *TestResult) UnmarshalText(b []byte) error {
	*r = ResultOrOther(string(b))
	return nil
}

// TraitType classifies a Trait.
type TraitType int

const (
	TraitCustom TraitType = iota
	TraitTag
	TraitCategory
	TraitOwner
	TraitPriority
	TraitFeature
	TraitComponent
)

var traitTypeNames = [...]string{
	TraitCustom:    "Custom",
	TraitTag:       "Tag",
	TraitCategory:  "Category",
	TraitOwner:     "Owner",
	TraitPriority:  "Priority",
	TraitFeature:   "Feature",
	TraitComponent: "Component",
}

func (t TraitType) String() string {
	if t < 0 || int(t) >= len(traitTypeNames) {
		return traitTypeNames[TraitCustom]
	}
	return traitTypeNames[t]
}

// TraitTypeFromName maps a producer trait name (e.g. "Category", "owner")
// to a TraitType. Unrecognized names are Custom.
func TraitTypeFromName(name string) TraitType {
	for i, n := range traitTypeNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return TraitType(i)
		}
	}
	return TraitCustom
}

func (t TraitType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TraitType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = TraitTypeFromName(s)
	return nil
}
