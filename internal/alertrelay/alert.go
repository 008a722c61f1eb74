package alertrelay

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Alert providers disagree on envelope shape, so the schema only pins down
// the minimum: a JSON object carrying at least one field we know how to
// read. Everything else is handled by the ordered extraction rules below.
const alertSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"anyOf": [
		{"required": ["alert"]},
		{"required": ["event"]},
		{"required": ["finding"]},
		{"required": ["message"]},
		{"required": ["text"]},
		{"required": ["title"]},
		{"required": ["summary"]}
	]
}`

var alertSchema = mustCompileAlertSchema()

func mustCompileAlertSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(alertSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("alert.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("alert.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// ParsedAlert is the normalized view of one inbound security alert.
type ParsedAlert struct {
	Title       string
	Description string
	Severity    string
	Source      string
	Link        string
}

// Extraction policy, applied in order:
//
//  1. The envelope must be a JSON object passing the schema above.
//  2. The first of "alert", "event", "finding", "message" that is present
//     and an object becomes the record; a string value becomes the title
//     directly. Absent all of these, the root object is the record.
//  3. Field aliases are tried in order per attribute (title/name/summary/...).
//  4. An alert without any title is a bad payload, not a guessed default.
var envelopeKeys = []string{"alert", "event", "finding", "message"}

// ParseAlert validates and normalizes a provider envelope.
func ParseAlert(body []byte) (ParsedAlert, error) {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return ParsedAlert{}, fmt.Errorf("%w: invalid json", ErrBadPayload)
	}
	if err := alertSchema.Validate(value); err != nil {
		return ParsedAlert{}, fmt.Errorf("%w: unrecognized envelope", ErrBadPayload)
	}
	root := value.(map[string]any)

	var alert ParsedAlert
	record := root
	for _, key := range envelopeKeys {
		nested, present := root[key]
		if !present {
			continue
		}
		switch typed := nested.(type) {
		case map[string]any:
			record = typed
		case string:
			alert.Title = strings.TrimSpace(typed)
		}
		break
	}

	if alert.Title == "" {
		alert.Title = firstString(record, "title", "name", "summary", "text", "message")
	}
	alert.Description = firstString(record, "description", "details", "body")
	alert.Severity = firstString(record, "severity", "priority", "level")
	alert.Source = firstString(record, "source", "service", "origin", "scanner")
	alert.Link = firstString(record, "url", "link", "permalink")
	if alert.Title == "" {
		return ParsedAlert{}, fmt.Errorf("%w: no recognizable alert title", ErrBadPayload)
	}
	return alert, nil
}

// firstString returns the first alias with a usable scalar value. Numbers
// are stringified since some providers send numeric severities.
func firstString(record map[string]any, keys ...string) string {
	for _, key := range keys {
		value, present := record[key]
		if !present {
			continue
		}
		switch typed := value.(type) {
		case string:
			if trimmed := strings.TrimSpace(typed); trimmed != "" {
				return trimmed
			}
		case fmt.Stringer:
			return typed.String()
		case float64:
			return strings.TrimSuffix(fmt.Sprintf("%v", typed), ".0")
		}
	}
	return ""
}

// RenderText formats the alert for the chat message body. Message layout is
// deliberately plain text; richer rendering belongs to the templates layer.
func (a ParsedAlert) RenderText() string {
	var b strings.Builder
	if a.Severity != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(a.Severity))
		b.WriteString("] ")
	}
	b.WriteString(a.Title)
	if a.Source != "" {
		b.WriteString(" (")
		b.WriteString(a.Source)
		b.WriteString(")")
	}
	if a.Description != "" {
		b.WriteString("\n")
		b.WriteString(a.Description)
	}
	if a.Link != "" {
		b.WriteString("\n")
		b.WriteString(a.Link)
	}
	return b.String()
}
