package cda

import (
	"encoding/xml"
	"strings"
)

// element is one node of the decoded document tree. Clinical-document XML
// carries data almost entirely in attributes, so the decoder keeps the
// whole subtree and mappers walk it by local name.
type element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []element  `xml:",any"`
	Text     string     `xml:",chardata"`
}

// Accessors tolerate nil receivers so lookups chain without guards.

func (e *element) attr(name string) string {
	if e == nil {
		return ""
	}
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// find walks a path of local element names, taking the first match at each
// step. Returns nil when any step is missing.
func (e *element) find(path ...string) *element {
	if e == nil {
		return nil
	}
	cur := e
	for _, name := range path {
		var next *element
		for i := range cur.Children {
			if cur.Children[i].XMLName.Local == name {
				next = &cur.Children[i]
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// findAll returns the direct children with the given local name.
func (e *element) findAll(name string) []*element {
	if e == nil {
		return nil
	}
	var out []*element
	for i := range e.Children {
		if e.Children[i].XMLName.Local == name {
			out = append(out, &e.Children[i])
		}
	}
	return out
}

// descendants collects every element with the given local name anywhere in
// the subtree, in document order.
func (e *element) descendants(name string) []*element {
	if e == nil {
		return nil
	}
	var out []*element
	var walk func(el *element)
	walk = func(el *element) {
		for i := range el.Children {
			child := &el.Children[i]
			if child.XMLName.Local == name {
				out = append(out, child)
			}
			walk(child)
		}
	}
	walk(e)
	return out
}

// text returns the trimmed character data of the node itself.
func (e *element) text() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Text)
}

// narrative flattens the character data of the whole subtree, used for
// section text when no structured mapping applies.
func (e *element) narrative() string {
	if e == nil {
		return ""
	}
	var parts []string
	var walk func(el *element)
	walk = func(el *element) {
		if t := el.text(); t != "" {
			parts = append(parts, t)
		}
		for i := range el.Children {
			walk(&el.Children[i])
		}
	}
	walk(e)
	return strings.Join(parts, " ")
}

// attrText returns the attribute if present, else the node text. Code
// elements carry displayName attributes, name parts carry text.
func (e *element) attrText(name string) string {
	if e == nil {
		return ""
	}
	if v := e.attr(name); v != "" {
		return v
	}
	return e.text()
}
