package ctrf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

const jestReport = `{
  "results": {
    "tool": { "name": "jest", "version": "29.7.0" },
    "summary": { "tests": 4, "passed": 1, "failed": 1, "pending": 1, "skipped": 0, "other": 1,
                 "start": 1767225600000, "stop": 1767225601500 },
    "environment": { "testEnvironment": "staging" },
    "tests": [
      { "name": "renders", "status": "passed", "duration": 12.5, "suite": ["App", "render"],
        "tags": ["@smoke"], "filePath": "src/App.test.tsx" },
      { "name": "fails", "status": "failed", "duration": 3, "suite": "App > render",
        "message": "boom", "trace": "at line 3", "steps": [{ "name": "click", "status": "failed" }] },
      { "name": "todo", "status": "pending", "duration": 0 },
      { "name": "weird", "status": "flaky", "duration": 0, "rawStatus": "Crashed" },
      { "name": 42, "status": "passed" },
      { "status": "passed", "duration": 1 }
    ]
  }
}`

func TestDecode_Jest(t *testing.T) {
	run, err := Codec{}.Decode([]byte(jestReport))
	require.NoError(t, err)

	assert.Equal(t, "jest", run.Name)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), run.StartedTime)
	require.Len(t, run.Suites, 2)

	app := run.Suites[0]
	assert.Equal(t, "App > render", app.Name, "array and string suite forms group together")
	assert.Equal(t, "staging", app.Environment)
	assert.Equal(t, "src/App.test.tsx", app.TestFilePath)
	require.Len(t, app.Tests, 2)
	assert.Equal(t, 12500*time.Microsecond, app.Tests[0].Duration)
	require.Len(t, app.Tests[0].Traits, 1)
	assert.Equal(t, resultmodel.TraitTag, app.Tests[0].Traits[0].Type)
	assert.Equal(t, "@smoke", app.Tests[0].Traits[0].Value)
	assert.Equal(t, resultmodel.Failed, app.Tests[1].Result)
	require.Len(t, app.Tests[1].Steps, 1)
	assert.Equal(t, resultmodel.Failed, app.Tests[1].Steps[0].Result)

	rest := run.Suites[1]
	assert.Equal(t, "jest", rest.Name, "tests without a suite use the tool name")
	require.Len(t, rest.Tests, 2, "undecodable and nameless tests are skipped")
	assert.Equal(t, resultmodel.NoRun, rest.Tests[0].Result)
	assert.Equal(t, resultmodel.Crashed, rest.Tests[1].Result, "canonical rawStatus wins")
}

func TestDecode_UnknownStatusIsOther(t *testing.T) {
	run, err := Codec{}.Decode([]byte(`{"results":{"tool":{"name":"x"},"tests":[{"name":"a","status":"flaky"}]}}`))
	require.NoError(t, err)
	require.Equal(t, 1, run.TotalTests())
	assert.Equal(t, resultmodel.Other, run.Suites[0].Tests[0].Result)
}

func TestEncode_Summary(t *testing.T) {
	run := &resultmodel.TestRun{Name: "pytest", Suites: []resultmodel.TestSuiteRun{{
		Name: "io",
		Tests: []resultmodel.TestCaseRun{
			{Name: "a", Result: resultmodel.Passed},
			{Name: "b", Result: resultmodel.Error},
			{Name: "c", Result: resultmodel.Blocked},
			{Name: "d", Result: resultmodel.Other},
		},
	}}}
	out, err := Codec{}.Encode(run)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, `"rawStatus": "Error"`)
	assert.Contains(t, s, `"rawStatus": "Blocked"`)
	assert.Contains(t, s, `"failed": 1`)
	assert.Contains(t, s, `"skipped": 1`)
	assert.Contains(t, s, `"other": 1`)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Codec{}.Decode([]byte(`{"results":`))
	assert.Error(t, err)
}

func TestDecode_LooseEnvelopeFields(t *testing.T) {
	doc := `{"results":{
  "tool": {"name": "vitest", "version": 3},
  "summary": {"tests": "one", "start": "1700000000000", "stop": true},
  "environment": {"testEnvironment": ["ci"]},
  "tests": [{"name": "works", "status": "passed", "duration": "7", "tags": ["a", 1], "steps": "none"}]
}}`
	run, err := Codec{}.Decode([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "vitest", run.Name)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), run.StartedTime, "numeric string start is read")
	assert.True(t, run.EndedTime.IsZero())
	require.Equal(t, 1, run.TotalTests())
	suite := run.Suites[0]
	assert.Empty(t, suite.Environment)
	tc := suite.Tests[0]
	assert.Equal(t, resultmodel.Passed, tc.Result)
	assert.Equal(t, 7*time.Millisecond, tc.Duration)
	require.Len(t, tc.Traits, 1)
	assert.Equal(t, "a", tc.Traits[0].Value)
	assert.Empty(t, tc.Steps)
}

func TestDecode_BadFieldKeepsTest(t *testing.T) {
	doc := `{"results":{"tool":"jest","summary":[],"tests":[
  {"name": "slow", "status": "failed", "duration": {"ms": 3}, "message": 5},
  {"name": "huge", "status": "passed", "duration": 1e300}
]}}`
	run, err := Codec{}.Decode([]byte(doc))
	require.NoError(t, err)
	require.Len(t, run.Suites, 1)
	assert.Equal(t, "default", run.Suites[0].Name)
	require.Len(t, run.Suites[0].Tests, 2)
	assert.Equal(t, resultmodel.Failed, run.Suites[0].Tests[0].Result)
	assert.Zero(t, run.Suites[0].Tests[0].Duration)
	assert.Empty(t, run.Suites[0].Tests[0].Message)
	assert.Zero(t, run.Suites[0].Tests[1].Duration)
}

func TestDecode_RejectsNonArrayTests(t *testing.T) {
	_, err := Codec{}.Decode([]byte(`{"results":{"tests":{}}}`))
	assert.Error(t, err)
	_, err = Codec{}.Decode([]byte(`{"results":null}`))
	assert.Error(t, err)
}

func TestStepResults_SurviveConversion(t *testing.T) {
	steps := []resultmodel.TestStep{
		{Name: "setup", Result: resultmodel.Passed},
		{Name: "connect", Result: resultmodel.Error},
		{Name: "wait", Result: resultmodel.Hang},
		{Name: "run", Result: resultmodel.Crashed},
		{Name: "cleanup", Result: resultmodel.Blocked},
	}
	run := &resultmodel.TestRun{Name: "agent", Suites: []resultmodel.TestSuiteRun{{
		Name:  "e2e",
		Tests: []resultmodel.TestCaseRun{{Name: "flow", Result: resultmodel.Failed, Steps: steps}},
	}}}

	out, err := Codec{}.Encode(run)
	require.NoError(t, err)
	got, err := Codec{}.Decode(out)
	require.NoError(t, err)

	require.Equal(t, 1, got.TotalTests())
	gotSteps := got.Suites[0].Tests[0].Steps
	require.Len(t, gotSteps, len(steps))
	for i, want := range steps {
		assert.Equal(t, want.Name, gotSteps[i].Name)
		assert.Equal(t, want.Result, gotSteps[i].Result, want.Name)
	}
}
