package junit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

const gtestReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuites tests="4" failures="1" disabled="1" errors="0" time="0.035" name="AllTests">
  <testsuite name="MathTest" tests="4" failures="1" time="0.035" timestamp="2026-01-02T03:04:05">
    <testcase name="Add" status="run" result="completed" time="0.01" classname="MathTest"/>
    <testcase name="Sub" status="run" time="0.02" classname="MathTest">
      <failure message="Expected equality">math_test.cc:12
Expected: 1</failure>
    </testcase>
    <testcase name="DISABLED_Mul" status="notrun" time="0" classname="MathTest"/>
    <testcase name="" classname="MathTest"/>
    <testcase name="Div" status="exploded" time="bad" classname="MathTest">
      <properties><property name="owner" value="ana"/></properties>
      <system-out>hello</system-out>
    </testcase>
  </testsuite>
</testsuites>`

func TestDecode_GoogleTestVocabulary(t *testing.T) {
	run, err := Codec{}.Decode([]byte(gtestReport))
	require.NoError(t, err)

	assert.Equal(t, "AllTests", run.Name)
	require.Len(t, run.Suites, 1)
	suite := run.Suites[0]
	require.Len(t, suite.Tests, 4, "nameless testcase is skipped")

	assert.Equal(t, resultmodel.Passed, suite.Tests[0].Result)
	assert.Equal(t, 10*time.Millisecond, suite.Tests[0].Duration)

	assert.Equal(t, resultmodel.Failed, suite.Tests[1].Result)
	assert.Equal(t, "Expected equality", suite.Tests[1].Message)
	assert.Contains(t, suite.Tests[1].StackTrace, "math_test.cc:12")

	assert.Equal(t, resultmodel.NoRun, suite.Tests[2].Result)

	div := suite.Tests[3]
	assert.Equal(t, resultmodel.Other, div.Result, "unknown status maps to Other")
	assert.Zero(t, div.Duration, "unparseable time is ignored")
	require.Len(t, div.Traits, 1)
	assert.Equal(t, resultmodel.TraitOwner, div.Traits[0].Type)
	require.Len(t, div.Attachments, 1)
	assert.Equal(t, "hello", string(div.Attachments[0].Data))

	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), suite.StartedTime)
	assert.Equal(t, suite.StartedTime.Add(35*time.Millisecond), suite.EndedTime)
}

func TestDecode_BareTestSuite(t *testing.T) {
	doc := `<testsuite name="pytest" tests="2" errors="1">
  <testcase classname="tests.test_io" name="test_read" file="tests/test_io.py"><error message="boom"/></testcase>
  <testcase classname="tests.test_io" name="test_skip"><skipped message="later"/></testcase>
</testsuite>`
	run, err := Codec{}.Decode([]byte(doc))
	require.NoError(t, err)
	require.Len(t, run.Suites, 1)
	assert.Equal(t, "tests/test_io.py", run.Suites[0].TestFilePath)
	assert.Equal(t, resultmodel.Error, run.Suites[0].Tests[0].Result)
	assert.Equal(t, "tests.test_io.test_read", run.Suites[0].Tests[0].ExternalID)
	assert.Equal(t, resultmodel.Skipped, run.Suites[0].Tests[1].Result)
	assert.Equal(t, "later", run.Suites[0].Tests[1].Message)
}

func TestDecode_BadCountAttributesAreIgnored(t *testing.T) {
	doc := `<testsuites tests="many"><testsuite name="s" tests="?"><testcase name="a"/></testsuite></testsuites>`
	run, err := Codec{}.Decode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, run.TotalTests())
}

func TestEncode_CountsAttributes(t *testing.T) {
	run := &resultmodel.TestRun{Suites: []resultmodel.TestSuiteRun{{
		Name: "s",
		Tests: []resultmodel.TestCaseRun{
			{Name: "a", Result: resultmodel.Failed},
			{Name: "b", Result: resultmodel.Crashed},
			{Name: "c", Result: resultmodel.Blocked},
		},
	}}}
	out, err := Codec{}.Encode(run)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, `<testsuites tests="3" failures="1" errors="1" skipped="1"`)
	assert.Contains(t, s, `status="Crashed"`)
	assert.Contains(t, s, `status="Blocked"`)
}

func TestDecode_RejectsOtherRoots(t *testing.T) {
	_, err := Codec{}.Decode([]byte(`<assemblies/>`))
	assert.Error(t, err)
	_, err = Codec{}.Decode(nil)
	assert.Error(t, err)
}

func TestDecode_Latin1Declaration(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n" +
		"<testsuites><testsuite name=\"Caf\xe9\"><testcase name=\"cr\xe8me\" time=\"0.5\"/></testsuite></testsuites>"
	run, err := Codec{}.Decode([]byte(doc))
	require.NoError(t, err)
	require.Len(t, run.Suites, 1)
	assert.Equal(t, "Café", run.Suites[0].Name)
	require.Len(t, run.Suites[0].Tests, 1)
	assert.Equal(t, "crème", run.Suites[0].Tests[0].Name)
	assert.Equal(t, 500*time.Millisecond, run.Suites[0].Tests[0].Duration)
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1.5", 1500 * time.Millisecond, true},
		{"1,234.5", 1234500 * time.Millisecond, true},
		{"", 0, false},
		{"-1", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"+Inf", 0, false},
		{"-Inf", 0, false},
		{"1e300", 0, false},
		{"9300000000", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseSeconds(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_NonFiniteTimeIsIgnored(t *testing.T) {
	doc := `<testsuites><testsuite name="s" time="Infinity" timestamp="2026-01-02T03:04:05">` +
		`<testcase name="a" time="NaN"/><testcase name="b" time="1e40"/></testsuite></testsuites>`
	run, err := Codec{}.Decode([]byte(doc))
	require.NoError(t, err)
	s := run.Suites[0]
	assert.Zero(t, s.Tests[0].Duration)
	assert.Zero(t, s.Tests[1].Duration)
	assert.False(t, s.StartedTime.IsZero())
	assert.True(t, s.EndedTime.IsZero(), "infinite suite time leaves the end unset")
}
