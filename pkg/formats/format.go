// Package formats selects result decoders by wire format.
//
// TestResultFormat values are the contract between the upload path and the
// importer; their names are persisted on jobs and carried over HTTP.
package formats

import (
	"fmt"
	"strings"
)

// TestResultFormat identifies a result or coverage wire format.
type TestResultFormat int

const (
	UnknownFormat TestResultFormat = iota
	JUnitXml
	XUnitXml
	CtrfJson
	CoberturaXml
)

var formatNames = [...]string{
	UnknownFormat: "UnknownFormat",
	JUnitXml:      "JUnitXml",
	XUnitXml:      "XUnitXml",
	CtrfJson:      "CtrfJson",
	CoberturaXml:  "CoberturaXml",
}

func (f TestResultFormat) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return formatNames[UnknownFormat]
	}
	return formatNames[f]
}

// Known reports whether f names a supported format.
func (f TestResultFormat) Known() bool {
	return f > UnknownFormat && int(f) < len(formatNames)
}

// ParseFormat parses a format wire name, case-insensitively.
func ParseFormat(s string) (TestResultFormat, error) {
	s = strings.TrimSpace(s)
	for i, name := range formatNames {
		if strings.EqualFold(s, name) {
			return TestResultFormat(i), nil
		}
	}
	return UnknownFormat, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// AllFormats returns the supported formats in declaration order.
func AllFormats() []TestResultFormat {
	return []TestResultFormat{JUnitXml, XUnitXml, CtrfJson, CoberturaXml}
}

func (f TestResultFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *TestResultFormat) UnmarshalText(b []byte) error {
	v, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
