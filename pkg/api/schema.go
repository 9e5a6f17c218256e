package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const openSchema = `{
  "type": "object",
  "required": ["backend", "shots"],
  "additionalProperties": false,
  "properties": {
    "backend": {"type": "string", "minLength": 1},
    "shots": {"type": "integer", "minimum": 1},
    "input": {"type": "array", "items": {"type": "number"}},
    "preferred": {"type": "string"},
    "required_qubits": {"type": "integer", "minimum": 0},
    "flags": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "simulate": {"type": "boolean"},
        "mock": {"type": "boolean"}
      }
    },
    "extra": {"type": "object"}
  }
}`

const sealSchema = `{
  "type": "object",
  "required": ["result"],
  "additionalProperties": false,
  "properties": {
    "job_id": {"type": "string"},
    "result": {},
    "grade": {"enum": ["SEALED_A", "SEALED_B"]}
  }
}`

const promoteSchema = `{
  "type": "object",
  "required": ["job_id"],
  "additionalProperties": false,
  "properties": {
    "job_id": {"type": "string", "minLength": 1}
  }
}`

type schemas struct {
	open, seal, promote *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	compile := func(name, src string) (*jsonschema.Schema, error) {
		url := fmt.Sprintf("https://qledger.dev/schemas/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		return c.Compile(url)
	}
	var s schemas
	var err error
	if s.open, err = compile("open", openSchema); err != nil {
		return nil, err
	}
	if s.seal, err = compile("seal", sealSchema); err != nil {
		return nil, err
	}
	if s.promote, err = compile("promote", promoteSchema); err != nil {
		return nil, err
	}
	return &s, nil
}

// decodeValidated validates body against schema, then decodes it into dst.
// Numbers stay json.Number so canonicalization sees the exact literal.
func decodeValidated(schema *jsonschema.Schema, body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	dec = json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(dst)
}
