package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const syncRequestSchema = `{
  "type": "object",
  "required": ["connectionId", "entityType", "entityId"],
  "properties": {
    "connectionId": {"type": "string", "minLength": 1},
    "entityType": {"type": "string", "minLength": 1},
    "entityId": {"type": "string", "minLength": 1},
    "direction": {"enum": ["", "to_remote", "from_remote"]}
  }
}`

const bulkRequestSchema = `{
  "type": "object",
  "required": ["connectionId", "entityType"],
  "properties": {
    "connectionId": {"type": "string", "minLength": 1},
    "entityType": {"type": "string", "minLength": 1},
    "entityIds": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "priority": {"type": "integer"}
  }
}`

const exchangeRequestSchema = `{
  "type": "object",
  "required": ["tenantId", "provider", "code", "accountId"],
  "properties": {
    "tenantId": {"type": "string", "minLength": 1},
    "provider": {"enum": ["quickbooks", "google_calendar"]},
    "code": {"type": "string", "minLength": 1},
    "accountId": {"type": "string", "minLength": 1},
    "syncDirection": {"enum": ["", "to_remote", "from_remote", "bidirectional"]},
    "defaultProjectId": {"type": "string"}
  }
}`

const quickBooksWebhookSchema = `{
  "type": "object",
  "required": ["eventNotifications"],
  "properties": {
    "eventNotifications": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["realmId"],
        "properties": {
          "realmId": {"type": "string", "minLength": 1},
          "dataChangeEvent": {
            "type": "object",
            "properties": {
              "entities": {"type": "array"}
            }
          }
        }
      }
    }
  }
}`

var (
	syncSchema       = mustCompileSchema("sync.json", syncRequestSchema)
	bulkSchema       = mustCompileSchema("bulk.json", bulkRequestSchema)
	exchangeSchema   = mustCompileSchema("exchange.json", exchangeRequestSchema)
	quickBooksSchema = mustCompileSchema("quickbooks-webhook.json", quickBooksWebhookSchema)
)

type requestSchema struct {
	schema *jsonschema.Schema
}

func mustCompileSchema(name, source string) *requestSchema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("httpapi: parse schema %s: %v", name, err))
	}
	url := "https://syncbridge.internal/schemas/" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("httpapi: add schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("httpapi: compile schema %s: %v", name, err))
	}
	return &requestSchema{schema: schema}
}

func (s *requestSchema) validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid json body")
	}
	if err := s.schema.Validate(inst); err != nil {
		return fmt.Errorf("request does not match schema: %s", summarizeValidation(err))
	}
	return nil
}

// summarizeValidation drops the schema url header and joins the causes
// onto one line.
func summarizeValidation(err error) string {
	lines := strings.Split(err.Error(), "\n")
	var parts []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "jsonschema validation failed") {
			continue
		}
		parts = append(parts, strings.TrimPrefix(line, "- "))
	}
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "; ")
}
