package openapi

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/synthesis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const swaggerDoc = `{
  "swagger": "2.0",
  "host": "api.example.com",
  "basePath": "/v1",
  "schemes": ["https"],
  "consumes": ["application/json"],
  "paths": {
    "/pets/{petId}": {
      "parameters": [{"name": "petId", "in": "path", "required": true, "type": "integer", "example": 7}],
      "get": {
        "parameters": [
          {"name": "verbose", "in": "query", "type": "boolean"},
          {"name": "X-Tenant", "in": "header", "type": "string", "default": "acme"}
        ]
      },
      "put": {
        "parameters": [{"name": "body", "in": "body", "schema": {"$ref": "#/definitions/Pet"}}]
      },
      "trace": {}
    },
    "/pets": {
      "post": {
        "consumes": ["application/x-www-form-urlencoded"],
        "parameters": [
          {"name": "name", "in": "formData", "type": "string", "example": "rex"},
          {"name": "age", "in": "formData", "type": "integer"}
        ]
      }
    }
  },
  "definitions": {
    "Pet": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "example": "rex"},
        "tag": {"type": "string"},
        "age": {"type": "integer", "default": 3}
      }
    }
  }
}`

const openAPIYAML = `
openapi: 3.0.1
servers:
  - url: "{scheme}://staging.example.com:{port}/api"
    variables:
      scheme:
        default: http
      port:
        default: "8080"
paths:
  /users/{userId}/orders:
    post:
      parameters:
        - name: userId
          in: path
          required: true
          schema:
            type: string
            enum: [alice, bob]
        - name: limit
          in: query
          schema:
            $ref: '#/components/schemas/Limit'
      requestBody:
        content:
          application/json:
            schema:
              type: object
              properties:
                item:
                  type: string
                qty:
                  type: integer
components:
  schemas:
    Limit:
      type: integer
      default: 25
`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(swaggerDoc))
	require.NoError(t, err)
	assert.True(t, doc.IsV2())

	doc, err = Parse([]byte(openAPIYAML))
	require.NoError(t, err)
	assert.False(t, doc.IsV2())
	assert.Equal(t, "3.0.1", doc.OpenAPI)
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not a document", "{{{ not json: [ or yaml"},
		{"no version field", `{"paths": {}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrMalformedInput)
		})
	}
}

func TestMaterializeSwagger(t *testing.T) {
	doc, err := Parse([]byte(swaggerDoc))
	require.NoError(t, err)

	requests, err := Materialize(doc, Options{})
	require.NoError(t, err)
	require.Len(t, requests, 3, "trace is not imported")

	post := requests[0].Spec
	assert.Equal(t, "POST", post.Method)
	assert.Equal(t, "https://api.example.com/v1/pets", post.URL)
	assert.Equal(t, "application/x-www-form-urlencoded", post.Header.Get("Content-Type"))
	assert.Equal(t, "age=0&name=rex", string(post.Body))

	get := requests[1].Spec
	assert.Equal(t, "GET", get.Method)
	assert.Equal(t, "https://api.example.com/v1/pets/7?verbose=true", get.URL)
	assert.Equal(t, "acme", get.Header.Get("X-Tenant"))
	assert.Equal(t, "application/json", get.Header.Get("Content-Type"))

	put := requests[2].Spec
	assert.Equal(t, "PUT", put.Method)
	assert.Equal(t, "https://api.example.com/v1/pets/7", put.URL)
	assert.JSONEq(t, `{"name":"rex","age":3}`, string(put.Body))
}

func TestMaterializeOpenAPIYAML(t *testing.T) {
	doc, err := Parse([]byte(openAPIYAML))
	require.NoError(t, err)

	requests, err := Materialize(doc, Options{})
	require.NoError(t, err)
	require.Len(t, requests, 1)

	spec := requests[0].Spec
	assert.Equal(t, "http://staging.example.com:8080/api/users/alice/orders?limit=25", spec.URL)
	assert.Equal(t, "application/json", spec.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"item":"string","qty":0}`, string(spec.Body))

	meta, err := spec.Meta()
	require.NoError(t, err)
	assert.Equal(t, "/api/users/alice/orders?limit=25", meta.Path)
	assert.Equal(t, 8080, meta.Port)
}

func TestSubstitutionRunsBeforePlaceholders(t *testing.T) {
	doc, err := Parse([]byte(swaggerDoc))
	require.NoError(t, err)

	requests, err := Materialize(doc, Options{
		Substitutions: []types.Substitution{{Pattern: "{petId}", Replacement: "mine"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/v1/pets/mine?verbose=true", requests[1].Spec.URL)
}

func TestRelativeServerUsesFallback(t *testing.T) {
	doc, err := Parse([]byte(`{"openapi": "3.0.0", "servers": [{"url": "/api"}], "paths": {"/ping": {"get": {}}}}`))
	require.NoError(t, err)

	requests, err := Materialize(doc, Options{FallbackBaseURL: "http://localhost:3000"})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "http://localhost:3000/api/ping", requests[0].Spec.URL)

	requests, err = Materialize(doc, Options{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/api/ping", requests[0].Spec.URL)
}

func TestParamValuePriority(t *testing.T) {
	doc := &Document{Components: Components{Schemas: map[string]*Schema{
		"Limit": {Type: "integer", Default: 25},
	}}}

	tests := []struct {
		name  string
		param Parameter
		want  string
	}{
		{"example first", Parameter{Example: "e", Default: "d", Enum: []any{"x"}}, "e"},
		{"then default", Parameter{Default: 5.0, Enum: []any{"x"}}, "5"},
		{"then enum", Parameter{Enum: []any{"first", "second"}}, "first"},
		{"then schema example", Parameter{Schema: &Schema{Type: "string", Example: "from-schema"}}, "from-schema"},
		{"schema through ref", Parameter{Schema: &Schema{Ref: "#/components/schemas/Limit"}}, "25"},
		{"schema type fallback", Parameter{Schema: &Schema{Type: "number"}}, "0"},
		{"integer fallback", Parameter{Type: "integer"}, "0"},
		{"boolean fallback", Parameter{Type: "boolean"}, "true"},
		{"string fallback", Parameter{Type: "string"}, "string"},
		{"untyped fallback", Parameter{}, "string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, doc.paramValue(tt.param))
		})
	}
}

func TestExampleForObject(t *testing.T) {
	doc := &Document{}

	withRequired := &Schema{
		Type:     "object",
		Required: []string{"id"},
		Properties: map[string]*Schema{
			"id":    {Type: "integer"},
			"email": {Type: "string", Example: "a@example.com"},
			"note":  {Type: "string"},
		},
	}
	assert.Equal(t, map[string]any{"id": 0, "email": "a@example.com"}, doc.exampleFor(withRequired, 0))

	bare := &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"flag": {Type: "boolean"},
			"tags": {Type: "array", Items: &Schema{Type: "string"}},
		},
	}
	assert.Equal(t, map[string]any{"flag": true, "tags": []any{"string"}}, doc.exampleFor(bare, 0))
}

func TestExampleForSelfReferenceTerminates(t *testing.T) {
	doc := &Document{Definitions: map[string]*Schema{}}
	doc.Definitions["Node"] = &Schema{
		Type:       "object",
		Required:   []string{"child"},
		Properties: map[string]*Schema{"child": {Ref: "#/definitions/Node"}},
	}

	assert.NotPanics(t, func() {
		doc.exampleFor(&Schema{Ref: "#/definitions/Node"}, 0)
	})
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, spec *types.RequestSpec) (*types.Exchange, error) {
	args := m.Called(ctx, spec)
	if ex, ok := args.Get(0).(*types.Exchange); ok {
		return ex, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSender) Record(ctx context.Context, exchange *types.Exchange) (*types.Exchange, error) {
	args := m.Called(ctx, exchange)
	if ex, ok := args.Get(0).(*types.Exchange); ok {
		return ex, args.Error(1)
	}
	return nil, args.Error(1)
}

func isMethod(method string) interface{} {
	return mock.MatchedBy(func(spec *types.RequestSpec) bool { return spec.Method == method })
}

func TestImportSendsAndFallsBack(t *testing.T) {
	sender := new(mockSender)
	sender.On("Send", mock.Anything, isMethod("GET")).Return(&types.Exchange{
		ID:       "ex-get",
		Response: &types.HTTPResponse{StatusCode: 403, Raw: "HTTP/1.1 403 Forbidden\r\n\r\n"},
	}, nil)
	sender.On("Send", mock.Anything, mock.Anything).Return(nil, core.NewTransportError("send", "", errors.New("connection refused")))

	placeholder := mock.MatchedBy(func(ex *types.Exchange) bool {
		return ex.Response != nil && ex.Response.StatusCode == http.StatusOK && ex.Request.Host == "api.example.com"
	})
	sender.On("Record", mock.Anything, placeholder).Return(&types.Exchange{
		ID:       "ex-synthetic",
		Response: &types.HTTPResponse{StatusCode: http.StatusOK, Raw: "HTTP/1.1 200 OK\r\n\r\n"},
	}, nil)

	importer := NewImporter(sender, logger.NewNop(), 2)
	result, err := importer.Import(context.Background(), []byte(swaggerDoc), Options{})
	require.NoError(t, err)

	require.Len(t, result.Templates, 3)
	assert.Equal(t, 2, result.Synthetic)

	get := result.Templates[1]
	assert.Equal(t, "ex-get", get.RequestID)
	assert.Equal(t, "HTTP/1[.]1 403", get.AuthSuccessRegex)
	assert.Equal(t, "/v1/pets/7?verbose=true", get.Meta.Path)
	assert.True(t, get.Meta.IsTLS)
	assert.Equal(t, 443, get.Meta.Port)
	assert.NotNil(t, get.Rules)

	put := result.Templates[2]
	assert.Equal(t, "ex-synthetic", put.RequestID)
	assert.Equal(t, "HTTP/1[.]1 200", put.AuthSuccessRegex)
	assert.Equal(t, len("HTTP/1.1 200 OK\r\n\r\n"), put.OriginalResponseLength)

	sender.AssertNumberOfCalls(t, "Record", 2)
}

func TestImportSkipsExistingTemplates(t *testing.T) {
	doc, err := Parse([]byte(swaggerDoc))
	require.NoError(t, err)
	requests, err := Materialize(doc, Options{})
	require.NoError(t, err)
	existing := synthesis.TemplateIDForSpec(requests[1].Spec, nil)

	sender := new(mockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(&types.Exchange{
		ID:       "ex",
		Response: &types.HTTPResponse{StatusCode: 200, Raw: "HTTP/1.1 200 OK\r\n\r\n"},
	}, nil)

	result, err := NewImporter(sender, logger.NewNop(), 5).Import(context.Background(), []byte(swaggerDoc), Options{
		Exists: func(id string) bool { return id == existing },
	})
	require.NoError(t, err)

	assert.Len(t, result.Templates, 2)
	assert.Equal(t, 1, result.Duplicates)
	for _, tmpl := range result.Templates {
		assert.NotEqual(t, existing, tmpl.ID)
	}
	sender.AssertNumberOfCalls(t, "Send", 2)
}

func TestImportMalformedDocumentSendsNothing(t *testing.T) {
	sender := new(mockSender)

	_, err := NewImporter(sender, logger.NewNop(), 5).Import(context.Background(), []byte("not: [valid"), Options{})
	require.Error(t, err)

	var malformed *core.MalformedInputError
	assert.True(t, errors.As(err, &malformed))
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}
