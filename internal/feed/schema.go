package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperengineering/todomirror/internal/types"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const changeEventSchemaURL = "mem://todomirror/change-event.json"

// changeEventSchema describes one change stream message.
const changeEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["record"],
  "properties": {
    "deleted": {"type": "boolean"},
    "record": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "title": {"type": "string"},
        "completed": {"type": "boolean"},
        "createdAt": {"type": "integer"},
        "createdBy": {"type": ["string", "null"]}
      }
    }
  }
}`

// Decoder turns raw stream messages into change events.
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder compiles the change event schema.
func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(changeEventSchemaURL, strings.NewReader(changeEventSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(changeEventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// MustNewDecoder is NewDecoder for the built-in schema, which always compiles.
func MustNewDecoder() *Decoder {
	d, err := NewDecoder()
	if err != nil {
		panic(err)
	}
	return d
}

// Decode validates raw against the schema and decodes it.
// Every failure wraps types.ErrInvalidChangeEvent.
func (d *Decoder) Decode(raw []byte) (types.ChangeEvent, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return types.ChangeEvent{}, fmt.Errorf("%w: %v", types.ErrInvalidChangeEvent, err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return types.ChangeEvent{}, fmt.Errorf("%w: %s", types.ErrInvalidChangeEvent, schemaMessage(err))
	}

	var ev types.ChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return types.ChangeEvent{}, fmt.Errorf("%w: %v", types.ErrInvalidChangeEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return types.ChangeEvent{}, err
	}
	return ev, nil
}

// schemaMessage flattens a validation error to its innermost causes.
func schemaMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var msgs []string
	collect(ve, &msgs)
	if len(msgs) == 0 {
		return ve.Message
	}
	return strings.Join(msgs, "; ")
}

func collect(ve *jsonschema.ValidationError, msgs *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*msgs = append(*msgs, loc+": "+ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collect(c, msgs)
	}
}
