// Package richtext implements the insert-operation document used for every
// message body the avatar writes: {"ops":[{"insert":"..."}]}.
package richtext

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ApologyPrefix starts every fallback reply.
const ApologyPrefix = "I'm sorry, I couldn't process your message properly."

// SampleText is the body returned by the format self-check.
const SampleText = "This is a test response to verify the JSON formatting is working correctly. " +
	"The frontend should be able to parse this without errors."

var (
	// ErrNotDocument is returned when a body is not a rich-text document.
	ErrNotDocument = errors.New("not a rich-text document")
)

// Op is a single insert operation.
type Op struct {
	Insert string `json:"insert"`
}

// Document is the decoded form of a message body.
type Document struct {
	Ops []Op `json:"ops"`
}

// Text concatenates all inserts.
func (d Document) Text() string {
	var b strings.Builder
	for _, op := range d.Ops {
		b.WriteString(op.Insert)
	}
	return b.String()
}

// String encodes the document. Encoding a slice of string ops cannot fail.
func (d Document) String() string {
	if d.Ops == nil {
		d.Ops = []Op{}
	}
	data, _ := json.Marshal(d)
	return string(data)
}

// Wrap encodes text as a single-insert document.
func Wrap(text string) string {
	return Document{Ops: []Op{{Insert: text}}}.String()
}

// Parse decodes body and checks that ops is an array of string inserts.
func Parse(body string) (Document, error) {
	var raw struct {
		Ops json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrNotDocument, err)
	}
	if len(raw.Ops) == 0 || raw.Ops[0] != '[' {
		return Document{}, fmt.Errorf("%w: ops is not an array", ErrNotDocument)
	}

	var ops []map[string]json.RawMessage
	if err := json.Unmarshal(raw.Ops, &ops); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrNotDocument, err)
	}

	doc := Document{Ops: make([]Op, 0, len(ops))}
	for i, op := range ops {
		ins, ok := op["insert"]
		if !ok {
			return Document{}, fmt.Errorf("%w: op %d has no insert", ErrNotDocument, i)
		}
		var s string
		if err := json.Unmarshal(ins, &s); err != nil {
			return Document{}, fmt.Errorf("%w: op %d insert is not a string", ErrNotDocument, i)
		}
		doc.Ops = append(doc.Ops, Op{Insert: s})
	}
	return doc, nil
}

// IsDocument reports whether body parses as a document.
func IsDocument(body string) bool {
	_, err := Parse(body)
	return err == nil
}

// Normalize returns body unchanged if it is already a document and wraps it
// otherwise. Normalize(Normalize(s)) == Normalize(s).
func Normalize(body string) string {
	if IsDocument(body) {
		return body
	}
	return Wrap(body)
}

// PlainText extracts the text of a body, falling back to the raw body.
func PlainText(body string) string {
	doc, err := Parse(body)
	if err != nil {
		return body
	}
	return strings.TrimRight(doc.Text(), "\n")
}

// Apology builds the fallback document for a failed generation.
func Apology(detail string) string {
	return Wrap(fmt.Sprintf("%s There was a technical error: %s", ApologyPrefix, detail))
}
