package gqltest

import (
	"bytes"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// Document is a GraphQL operation document, either source text or an
// already parsed AST. Build one with Text, Parsed or ParseDocument.
type Document interface {
	source() (string, error)
}

type textDocument string

// Text wraps GraphQL source text. It is parsed when the request is made.
func Text(src string) Document {
	return textDocument(src)
}

func (d textDocument) source() (string, error) {
	if strings.TrimSpace(string(d)) == "" {
		return "", &QueryParseError{Reason: "empty document"}
	}
	doc, err := parser.ParseQuery(&ast.Source{Name: "document", Input: string(d)})
	if err != nil {
		return "", &QueryParseError{Err: err}
	}
	if len(doc.Operations) == 0 {
		return "", &QueryParseError{Reason: "document has no operations"}
	}
	return string(d), nil
}

type parsedDocument struct {
	doc *ast.QueryDocument
}

// Parsed wraps a parsed document. It is printed back to source text for
// the wire.
func Parsed(doc *ast.QueryDocument) Document {
	return parsedDocument{doc: doc}
}

func (d parsedDocument) source() (string, error) {
	if d.doc == nil {
		return "", &QueryParseError{Reason: "nil document"}
	}
	if len(d.doc.Operations) == 0 {
		return "", &QueryParseError{Reason: "document has no operations"}
	}
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(d.doc)
	return buf.String(), nil
}

// ParseDocument parses src once and returns it as a parsed Document,
// for documents that are reused across many requests.
func ParseDocument(src string) (Document, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &QueryParseError{Reason: "empty document"}
	}
	doc, err := parser.ParseQuery(&ast.Source{Name: "document", Input: src})
	if err != nil {
		return nil, &QueryParseError{Err: err}
	}
	d := Parsed(doc)
	if _, err := d.source(); err != nil {
		return nil, err
	}
	return d, nil
}

// MustParseDocument is like ParseDocument but panics on error.
func MustParseDocument(src string) Document {
	doc, err := ParseDocument(src)
	if err != nil {
		panic(err)
	}
	return doc
}

// resolveDocument returns the wire text of doc.
func resolveDocument(doc Document) (string, error) {
	if doc == nil {
		return "", &QueryParseError{Reason: "no document given"}
	}
	return doc.source()
}
