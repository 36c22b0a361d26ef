// Package openapi materialises OpenAPI v3 and Swagger v2 operations into
// concrete requests that can become templates.
package openapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
)

const documentSource = "openapi document"

// Document covers the parts of OpenAPI v3 and Swagger v2 the importer reads.
type Document struct {
	OpenAPI     string               `json:"openapi" yaml:"openapi"`
	Swagger     string               `json:"swagger" yaml:"swagger"`
	Servers     []Server             `json:"servers" yaml:"servers"`
	Host        string               `json:"host" yaml:"host"`
	BasePath    string               `json:"basePath" yaml:"basePath"`
	Schemes     []string             `json:"schemes" yaml:"schemes"`
	Consumes    []string             `json:"consumes" yaml:"consumes"`
	Paths       map[string]PathItem  `json:"paths" yaml:"paths"`
	Definitions map[string]*Schema   `json:"definitions" yaml:"definitions"`
	Parameters  map[string]Parameter `json:"parameters" yaml:"parameters"`
	Components  Components           `json:"components" yaml:"components"`
}

type Server struct {
	URL       string                    `json:"url" yaml:"url"`
	Variables map[string]ServerVariable `json:"variables" yaml:"variables"`
}

type ServerVariable struct {
	Default string `json:"default" yaml:"default"`
}

type Components struct {
	Schemas    map[string]*Schema   `json:"schemas" yaml:"schemas"`
	Parameters map[string]Parameter `json:"parameters" yaml:"parameters"`
}

// PathItem lists the operations of one path. Only the standard verbs are read.
type PathItem struct {
	Parameters []Parameter `json:"parameters" yaml:"parameters"`
	Get        *Operation  `json:"get" yaml:"get"`
	Put        *Operation  `json:"put" yaml:"put"`
	Post       *Operation  `json:"post" yaml:"post"`
	Delete     *Operation  `json:"delete" yaml:"delete"`
	Options    *Operation  `json:"options" yaml:"options"`
	Head       *Operation  `json:"head" yaml:"head"`
	Patch      *Operation  `json:"patch" yaml:"patch"`
}

// Operations returns the declared operations in a fixed verb order.
func (p PathItem) Operations() []MethodOperation {
	candidates := []MethodOperation{
		{"GET", p.Get},
		{"POST", p.Post},
		{"PUT", p.Put},
		{"PATCH", p.Patch},
		{"DELETE", p.Delete},
		{"HEAD", p.Head},
		{"OPTIONS", p.Options},
	}

	out := make([]MethodOperation, 0, len(candidates))
	for _, c := range candidates {
		if c.Operation != nil {
			out = append(out, c)
		}
	}
	return out
}

type MethodOperation struct {
	Method    string
	Operation *Operation
}

type Operation struct {
	OperationID string       `json:"operationId" yaml:"operationId"`
	Parameters  []Parameter  `json:"parameters" yaml:"parameters"`
	Consumes    []string     `json:"consumes" yaml:"consumes"`
	RequestBody *RequestBody `json:"requestBody" yaml:"requestBody"`
}

type Parameter struct {
	Ref      string  `json:"$ref" yaml:"$ref"`
	Name     string  `json:"name" yaml:"name"`
	In       string  `json:"in" yaml:"in"`
	Required bool    `json:"required" yaml:"required"`
	Type     string  `json:"type" yaml:"type"`
	Example  any     `json:"example" yaml:"example"`
	Default  any     `json:"default" yaml:"default"`
	Enum     []any   `json:"enum" yaml:"enum"`
	Schema   *Schema `json:"schema" yaml:"schema"`
	Items    *Schema `json:"items" yaml:"items"`
}

type RequestBody struct {
	Ref     string               `json:"$ref" yaml:"$ref"`
	Content map[string]MediaType `json:"content" yaml:"content"`
}

type MediaType struct {
	Schema  *Schema `json:"schema" yaml:"schema"`
	Example any     `json:"example" yaml:"example"`
}

type Schema struct {
	Ref        string             `json:"$ref" yaml:"$ref"`
	Type       string             `json:"type" yaml:"type"`
	Format     string             `json:"format" yaml:"format"`
	Properties map[string]*Schema `json:"properties" yaml:"properties"`
	Required   []string           `json:"required" yaml:"required"`
	Items      *Schema            `json:"items" yaml:"items"`
	AllOf      []*Schema          `json:"allOf" yaml:"allOf"`
	Example    any                `json:"example" yaml:"example"`
	Default    any                `json:"default" yaml:"default"`
	Enum       []any              `json:"enum" yaml:"enum"`
}

// Parse decodes a JSON or YAML document.
func Parse(data []byte) (*Document, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, core.NewMalformedInputError(documentSource, "empty document", nil)
	}

	var doc Document
	jsonErr := json.Unmarshal(data, &doc)
	if jsonErr != nil {
		doc = Document{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, core.NewMalformedInputError(documentSource, "neither valid JSON nor YAML", fmt.Errorf("%v; %w", jsonErr, err))
		}
	}

	if doc.OpenAPI == "" && doc.Swagger == "" {
		return nil, core.NewMalformedInputError(documentSource, "missing openapi or swagger version field", nil)
	}
	return &doc, nil
}

// IsV2 reports a Swagger 2.0 document.
func (d *Document) IsV2() bool {
	return d.Swagger != "" && d.OpenAPI == ""
}

// resolveSchema follows local $refs into definitions or components.
func (d *Document) resolveSchema(s *Schema) *Schema {
	for i := 0; s != nil && s.Ref != "" && i < maxDepth; i++ {
		name, ok := localRef(s.Ref, "#/definitions/", "#/components/schemas/")
		if !ok {
			return nil
		}
		if next, found := d.Definitions[name]; found {
			s = next
			continue
		}
		s = d.Components.Schemas[name]
	}
	return s
}

func (d *Document) resolveParameter(p Parameter) (Parameter, bool) {
	if p.Ref == "" {
		return p, true
	}
	name, ok := localRef(p.Ref, "#/parameters/", "#/components/parameters/")
	if !ok {
		return Parameter{}, false
	}
	if resolved, found := d.Parameters[name]; found && resolved.Ref == "" {
		return resolved, true
	}
	if resolved, found := d.Components.Parameters[name]; found && resolved.Ref == "" {
		return resolved, true
	}
	return Parameter{}, false
}

func localRef(ref string, prefixes ...string) (string, bool) {
	for _, prefix := range prefixes {
		if strings.HasPrefix(ref, prefix) {
			return strings.TrimPrefix(ref, prefix), true
		}
	}
	return "", false
}
