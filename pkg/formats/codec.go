package formats

import (
	"errors"
	"fmt"

	"github.com/3leaps/runnerhub/pkg/formats/cobertura"
	"github.com/3leaps/runnerhub/pkg/formats/ctrf"
	"github.com/3leaps/runnerhub/pkg/formats/junit"
	"github.com/3leaps/runnerhub/pkg/formats/xunit"
	"github.com/3leaps/runnerhub/pkg/resultmodel"
)

var (
	// ErrUnknownFormat is returned for formats without a codec.
	ErrUnknownFormat = errors.New("unknown result format")

	// ErrMalformed classifies documents that could not be parsed at all.
	ErrMalformed = errors.New("malformed result document")
)

// Decoder maps one wire format into the canonical result model.
type Decoder interface {
	Decode(data []byte) (*resultmodel.TestRun, error)
}

// Encoder writes the canonical result model in one wire format.
type Encoder interface {
	Encode(run *resultmodel.TestRun) ([]byte, error)
}

// Codec is a paired Decoder and Encoder.
type Codec interface {
	Decoder
	Encoder
}

// DecodeError reports a document-level decode failure.
type DecodeError struct {
	Format TestResultFormat
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformed, e.Err}
}

var codecs = map[TestResultFormat]Codec{
	JUnitXml:     junit.Codec{},
	XUnitXml:     xunit.Codec{},
	CtrfJson:     ctrf.Codec{},
	CoberturaXml: cobertura.Codec{},
}

// CodecFor returns the codec for f.
func CodecFor(f TestResultFormat) (Codec, error) {
	c, ok := codecs[f]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, f)
	}
	return c, nil
}

// Decode decodes data with the codec for f. Parse failures are wrapped in a
// DecodeError that matches ErrMalformed.
func Decode(f TestResultFormat, data []byte) (*resultmodel.TestRun, error) {
	c, err := CodecFor(f)
	if err != nil {
		return nil, err
	}
	run, err := c.Decode(data)
	if err != nil {
		return nil, &DecodeError{Format: f, Err: err}
	}
	return run, nil
}

// Encode encodes run with the codec for f.
func Encode(f TestResultFormat, run *resultmodel.TestRun) ([]byte, error) {
	c, err := CodecFor(f)
	if err != nil {
		return nil, err
	}
	return c.Encode(run)
}
