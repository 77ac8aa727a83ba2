// Package probe provides cheap content signatures used to classify result
// documents without fully decoding them.
package probe

import (
	"bytes"
	"encoding/xml"
	"strings"

	"golang.org/x/net/html/charset"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// TrimLeading strips a UTF-8 byte order mark and leading whitespace.
func TrimLeading(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	return bytes.TrimLeft(data, " \t\r\n")
}

// LooksLikeXML reports whether data starts like an XML document.
func LooksLikeXML(data []byte) bool {
	return bytes.HasPrefix(TrimLeading(data), []byte("<"))
}

// LooksLikeJSON reports whether data starts like a JSON object or array.
func LooksLikeJSON(data []byte) bool {
	d := TrimLeading(data)
	return len(d) > 0 && (d[0] == '{' || d[0] == '[')
}

// NewXMLDecoder returns a decoder over data that honours the encoding named
// in the XML declaration (ISO-8859-1, windows-1252, UTF-16 and so on).
func NewXMLDecoder(data []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(TrimLeading(data)))
	dec.CharsetReader = charset.NewReaderLabel
	return dec
}

// UnmarshalXML is xml.Unmarshal with declared-charset support.
func UnmarshalXML(data []byte, v any) error {
	return NewXMLDecoder(data).Decode(v)
}

// RootElement returns the local name of the first element in an XML
// document. Prolog, comments, and doctype declarations are skipped; only
// tokens up to the root start tag are read.
func RootElement(data []byte) (string, bool) {
	dec := NewXMLDecoder(data)
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		if t, ok := tok.(xml.StartElement); ok {
			name := strings.TrimSpace(t.Name.Local)
			return name, name != ""
		}
	}
}

// RootAttr returns the value of an attribute on the root element.
func RootAttr(data []byte, attr string) (string, bool) {
	dec := NewXMLDecoder(data)
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		t, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, a := range t.Attr {
			if a.Name.Local == attr {
				return a.Value, true
			}
		}
		return "", false
	}
}
