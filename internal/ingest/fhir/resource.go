package fhir

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// resource is a decoded FHIR element tree. JSON input decodes into this
// shape directly; XML input is converted by parseXML.
type resource map[string]any

func (r resource) str(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case float64:
		// JSON numbers; callers want the textual form.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "true"
		}
		return "false"
	}
	return ""
}

func (r resource) child(key string) resource {
	m, _ := r[key].(map[string]any)
	return m
}

func (r resource) list(key string) []resource {
	var out []resource
	switch v := r[key].(type) {
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	case map[string]any:
		// Single element where a list is allowed.
		out = append(out, v)
	}
	return out
}

// coding returns code, system, and display from a CodeableConcept,
// preferring text for the display.
func (r resource) coding(key string) (code, system, display string) {
	cc := r.child(key)
	if cc == nil {
		return "", "", ""
	}
	display = cc.str("text")
	if codings := cc.list("coding"); len(codings) > 0 {
		code = codings[0].str("code")
		system = codings[0].str("system")
		if display == "" {
			display = codings[0].str("display")
		}
	}
	return code, system, display
}

// reference returns the raw reference string of a Reference element.
func (r resource) reference(key string) string {
	return r.child(key).str("reference")
}

// refID returns the trailing id of a reference ("Patient/123" -> "123").
func refID(ref string) string {
	if ref == "" {
		return ""
	}
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return strings.TrimPrefix(ref, "#")
}

// quantity renders a valueQuantity as (value, unit).
func (r resource) quantity(key string) (value, unit string) {
	q := r.child(key)
	if q == nil {
		return "", ""
	}
	return q.str("value"), q.str("unit")
}

// parseXML converts a FHIR XML document into the same map shape the JSON
// decoder produces. FHIR XML keeps primitive values in a value attribute;
// repeated sibling elements become arrays; the element wrapped by
// resource/contained supplies resourceType.
func parseXML(data []byte) (resource, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, eris.New("fhir: empty XML document")
		}
		if err != nil {
			return nil, eris.Wrap(err, "fhir: decode XML")
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		node, err := decodeElement(dec, start)
		if err != nil {
			return nil, err
		}
		res, ok := node.(map[string]any)
		if !ok {
			return nil, eris.New("fhir: XML root is not a resource")
		}
		res["resourceType"] = start.Name.Local
		return res, nil
	}
}

// decodeElement consumes one element subtree. A value attribute makes it a
// primitive; otherwise children accumulate into a map, coalescing repeats
// into arrays.
func decodeElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	for _, attr := range start.Attr {
		if attr.Name.Local == "value" {
			if err := dec.Skip(); err != nil {
				return nil, eris.Wrap(err, "fhir: decode XML")
			}
			return attr.Value, nil
		}
	}

	node := map[string]any{}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, eris.Wrap(err, "fhir: decode XML")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			// resource and contained wrap the actual resource element.
			if name == "resource" || name == "contained" {
				if wrapped, ok := child.(map[string]any); ok {
					if inner := unwrapResource(wrapped); inner != nil {
						child = inner
					}
				}
			}
			appendChild(node, name, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(node) == 0 {
				// Narrative elements (div) carry bare character data.
				return strings.TrimSpace(text.String()), nil
			}
			return node, nil
		}
	}
}

// unwrapResource lifts "<resource><Patient>...</Patient></resource>" into
// the Patient map with resourceType set.
func unwrapResource(wrapper map[string]any) map[string]any {
	if len(wrapper) != 1 {
		return nil
	}
	for name, v := range wrapper {
		if name == "" || name[0] < 'A' || name[0] > 'Z' {
			return nil
		}
		inner, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		inner["resourceType"] = name
		return inner
	}
	return nil
}

func appendChild(node map[string]any, name string, child any) {
	existing, ok := node[name]
	if !ok {
		node[name] = child
		return
	}
	if arr, ok := existing.([]any); ok {
		node[name] = append(arr, child)
		return
	}
	node[name] = []any{existing, child}
}
