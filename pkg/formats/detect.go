package formats

import (
	"mime"
	"path"
	"strings"

	"github.com/3leaps/runnerhub/pkg/probe"
)

var mediaTypes = map[string]TestResultFormat{
	"application/vnd.junit+xml":     JUnitXml,
	"application/junit+xml":         JUnitXml,
	"application/x-junit+xml":       JUnitXml,
	"application/x-xunit+xml":       XUnitXml,
	"application/vnd.xunit+xml":     XUnitXml,
	"application/vnd.cobertura+xml": CoberturaXml,
	"application/x-cobertura+xml":   CoberturaXml,
	"application/vnd.ctrf+json":     CtrfJson,
	"application/ctrf+json":         CtrfJson,
}

var rootElements = map[string]TestResultFormat{
	"testsuites": JUnitXml,
	"testsuite":  JUnitXml,
	"assemblies": XUnitXml,
	"assembly":   XUnitXml,
	"coverage":   CoberturaXml,
}

var ctrfTests = probe.MustCompileJSONPath("$.results.tests")

// Detect picks the format of data. A recognised hint wins: a media type, a
// format wire name, or a file name with a format-specific suffix such as
// "report.ctrf.json". Otherwise the content is sniffed by XML root element
// or JSON shape. Detect returns UnknownFormat when nothing matches.
func Detect(hint string, data []byte) TestResultFormat {
	if f := fromHint(hint); f.Known() {
		return f
	}
	return Sniff(data)
}

func fromHint(hint string) TestResultFormat {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return UnknownFormat
	}
	if f, err := ParseFormat(hint); err == nil {
		return f
	}
	if mt, _, err := mime.ParseMediaType(hint); err == nil {
		if f, ok := mediaTypes[strings.ToLower(mt)]; ok {
			return f
		}
	}
	name := strings.ToLower(path.Base(strings.ReplaceAll(hint, `\`, "/")))
	switch {
	case strings.HasSuffix(name, ".ctrf.json"):
		return CtrfJson
	case strings.HasSuffix(name, ".junit.xml"):
		return JUnitXml
	case strings.HasSuffix(name, ".xunit.xml"):
		return XUnitXml
	case strings.HasSuffix(name, ".cobertura.xml"):
		return CoberturaXml
	}
	return UnknownFormat
}

// Sniff classifies data by content alone.
func Sniff(data []byte) TestResultFormat {
	switch {
	case probe.LooksLikeXML(data):
		root, ok := probe.RootElement(data)
		if !ok {
			return UnknownFormat
		}
		return rootElements[root]
	case probe.LooksLikeJSON(data):
		v, ok := ctrfTests.EvalBytes(data)
		if !ok {
			return UnknownFormat
		}
		if _, isArray := v.([]any); isArray {
			return CtrfJson
		}
	}
	return UnknownFormat
}
