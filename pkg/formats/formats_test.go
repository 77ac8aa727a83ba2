package formats

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

func passFailRun() *resultmodel.TestRun {
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	return &resultmodel.TestRun{
		Name: "ci",
		Suites: []resultmodel.TestSuiteRun{{
			Name:        "Calculator",
			StartedTime: start,
			EndedTime:   start.Add(2 * time.Second),
			Tests: []resultmodel.TestCaseRun{
				{Name: "adds", ClassName: "calc.Calculator", Method: "adds", Result: resultmodel.Passed, Duration: 120 * time.Millisecond},
				{Name: "divides", ClassName: "calc.Calculator", Method: "divides", Result: resultmodel.Failed,
					Message: "expected 2, got 3", StackTrace: "at divides()"},
			},
		}},
	}
}

func allResultsRun() *resultmodel.TestRun {
	suite := resultmodel.TestSuiteRun{Name: "every-result"}
	for _, r := range resultmodel.AllResults() {
		suite.Tests = append(suite.Tests, resultmodel.TestCaseRun{Name: "case-" + r.String(), Result: r})
	}
	return &resultmodel.TestRun{Name: "all", Suites: []resultmodel.TestSuiteRun{suite}}
}

func TestCodecs_RoundTripPassFail(t *testing.T) {
	for _, f := range []TestResultFormat{JUnitXml, XUnitXml, CtrfJson} {
		t.Run(f.String(), func(t *testing.T) {
			data, err := Encode(f, passFailRun())
			require.NoError(t, err)

			assert.Equal(t, f, Detect("", data), "encoded output sniffs as its own format")

			got, err := Decode(f, data)
			require.NoError(t, err)
			counts := got.Counts()
			assert.Equal(t, 1, counts[resultmodel.Passed])
			assert.Equal(t, 1, counts[resultmodel.Failed])
			assert.Equal(t, 2, got.TotalTests())

			var failed resultmodel.TestCaseRun
			for _, s := range got.Suites {
				for _, c := range s.Tests {
					if c.Result == resultmodel.Failed {
						failed = c
					}
				}
			}
			assert.Equal(t, "divides", failed.Name)
			assert.Equal(t, "expected 2, got 3", failed.Message)
		})
	}
}

func TestCodecs_RoundTripEveryResult(t *testing.T) {
	for _, f := range []TestResultFormat{JUnitXml, XUnitXml, CtrfJson} {
		t.Run(f.String(), func(t *testing.T) {
			data, err := Encode(f, allResultsRun())
			require.NoError(t, err)
			got, err := Decode(f, data)
			require.NoError(t, err)

			require.Len(t, got.Suites, 1)
			byName := map[string]resultmodel.TestResult{}
			for _, c := range got.Suites[0].Tests {
				byName[c.Name] = c.Result
			}
			for _, r := range resultmodel.AllResults() {
				assert.Equal(t, r, byName["case-"+r.String()], "result %s", r)
			}
		})
	}
}

func TestCobertura_MergesRepeatedLines(t *testing.T) {
	doc := `<?xml version="1.0"?>
<coverage line-rate="0.5" branch-rate="0.5" timestamp="1700000000">
  <packages>
    <package name="a">
      <classes>
        <class name="A" filename="src/a.cs">
          <methods>
            <method name="M"><lines><line number="10" hits="99"/></lines></method>
          </methods>
          <lines>
            <line number="10" hits="2" branch="true" condition-coverage="50% (1/2)">
              <conditions><condition number="0" type="jump" coverage="50%"/></conditions>
            </line>
            <line number="11" hits="abc"/>
            <line number="12" hits="0"/>
          </lines>
        </class>
      </classes>
    </package>
    <package name="b">
      <classes>
        <class name="A2" filename="src/a.cs">
          <lines>
            <line number="10" hits="3" branch="true" condition-coverage="50% (1/2)">
              <conditions><condition number="0" type="jump" coverage="50%"/></conditions>
            </line>
          </lines>
        </class>
      </classes>
    </package>
  </packages>
</coverage>`

	assert.Equal(t, CoberturaXml, Detect("", []byte(doc)))
	run, err := Decode(CoberturaXml, []byte(doc))
	require.NoError(t, err)
	require.NotNil(t, run.Coverage)
	require.Len(t, run.Coverage.Files, 1)

	lines := run.Coverage.Files[0].Lines
	require.Len(t, lines, 2, "line with non-numeric hits is skipped")
	assert.Equal(t, 10, lines[0].Number)
	assert.Equal(t, int64(5), lines[0].Hits, "hits are summed, method lines ignored")
	assert.Equal(t, 50.0, lines[0].ConditionCoverage)
	require.Len(t, lines[0].Conditions, 1)
	assert.Equal(t, 50.0, lines[0].Conditions[0].Coverage, "two 50 percent readings merge to 50")
	assert.Equal(t, 12, lines[1].Number)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), run.StartedTime)
}

func TestCobertura_Latin1Declaration(t *testing.T) {
	doc := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n" +
		"<coverage><packages><package name=\"p\"><classes>" +
		"<class name=\"A\" filename=\"src/caf\xe9.go\"><lines><line number=\"1\" hits=\"2\"/></lines></class>" +
		"</classes></package></packages></coverage>"

	require.Equal(t, CoberturaXml, Detect("", []byte(doc)))
	run, err := Decode(CoberturaXml, []byte(doc))
	require.NoError(t, err)
	require.NotNil(t, run.Coverage)
	require.Len(t, run.Coverage.Files, 1)
	assert.Equal(t, "src/café.go", run.Coverage.Files[0].Path)
}

func TestCobertura_EncodeDecode(t *testing.T) {
	b := resultmodel.NewCoverageBuilder()
	b.Add("pkg/x/file.go", resultmodel.CoverageLine{Number: 3, Hits: 4})
	b.Add("pkg/x/file.go", resultmodel.CoverageLine{Number: 7, Hits: 0, IsBranch: true, ConditionCoverage: 25})
	b.Add("main.go", resultmodel.CoverageLine{Number: 1, Hits: 1})
	run := &resultmodel.TestRun{Coverage: b.Report()}

	data, err := Encode(CoberturaXml, run)
	require.NoError(t, err)
	got, err := Decode(CoberturaXml, data)
	require.NoError(t, err)

	require.Len(t, got.Coverage.Files, 2)
	covered, valid := got.Coverage.LinesCovered()
	assert.Equal(t, 2, covered)
	assert.Equal(t, 3, valid)
}

func TestDetect(t *testing.T) {
	junitDoc := []byte(`<?xml version="1.0"?><testsuites><testsuite name="s"/></testsuites>`)
	tests := []struct {
		name string
		hint string
		data []byte
		want TestResultFormat
	}{
		{"junit root", "", junitDoc, JUnitXml},
		{"bare testsuite", "", []byte(`<testsuite name="x"></testsuite>`), JUnitXml},
		{"xunit root", "", []byte("\ufeff<assemblies><assembly name=\"a.dll\"/></assemblies>"), XUnitXml},
		{"cobertura root", "", []byte(`<!DOCTYPE coverage SYSTEM "x.dtd"><coverage/>`), CoberturaXml},
		{"latin-1 junit", "", []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><testsuites name=\"caf\xe9\"/>"), JUnitXml},
		{"ctrf shape", "", []byte(`{"results":{"tool":{"name":"jest"},"tests":[]}}`), CtrfJson},
		{"json without tests", "", []byte(`{"results":{"tool":{"name":"jest"}}}`), UnknownFormat},
		{"media type hint wins", "application/vnd.ctrf+json", junitDoc, CtrfJson},
		{"media type with params", "application/vnd.junit+xml; charset=utf-8", nil, JUnitXml},
		{"wire name hint", "XUnitXml", nil, XUnitXml},
		{"file name hint", "out/report.cobertura.xml", nil, CoberturaXml},
		{"generic hint falls back", "application/xml", junitDoc, JUnitXml},
		{"unknown xml", "", []byte(`<html></html>`), UnknownFormat},
		{"garbage", "text/plain", []byte("not a report"), UnknownFormat},
		{"empty", "", nil, UnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.hint, tt.data))
		})
	}
}

func TestCodecFor_Unknown(t *testing.T) {
	_, err := CodecFor(UnknownFormat)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = Decode(JUnitXml, []byte("<testsuites><testsuite>"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, JUnitXml, de.Format)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("ctrfjson")
	require.NoError(t, err)
	assert.Equal(t, CtrfJson, f)

	_, err = ParseFormat("trx")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	var got TestResultFormat
	require.NoError(t, got.UnmarshalText([]byte("CoberturaXml")))
	assert.Equal(t, CoberturaXml, got)
}
