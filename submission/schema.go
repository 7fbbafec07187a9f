package submission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const submitResponseSchema = `{
	"type": "object",
	"required": ["success", "accepted", "rejected"],
	"properties": {
		"success":  {"type": "boolean"},
		"accepted": {"type": "integer", "minimum": 0},
		"rejected": {"type": "integer", "minimum": 0},
		"errors":   {"type": "array", "items": {"type": "string"}}
	}
}`

const serverInfoSchema = `{
	"type": "object",
	"required": ["version", "status", "acceptingEvents"],
	"properties": {
		"version":         {"type": "string"},
		"status":          {"enum": ["healthy", "degraded", "down"]},
		"acceptingEvents": {"type": "boolean"},
		"maxBatchSize":    {"type": "integer", "minimum": 0}
	}
}`

var (
	responseSchema = mustCompile("submit-response", submitResponseSchema)
	infoSchema     = mustCompile("server-info", serverInfoSchema)
)

func mustCompile(name, src string) *jsonschema.Schema {
	sch, err := compileSchema(name, src)
	if err != nil {
		panic(err)
	}
	return sch
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}

	url := "beacon://schema/" + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	return c.Compile(url)
}

// decodeValidated checks body against sch before decoding it into dest.
func decodeValidated(body []byte, sch *jsonschema.Schema, dest any) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &ProtocolError{Message: "malformed JSON body", Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &ProtocolError{Message: "unexpected response shape", Err: err}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &ProtocolError{Message: "decode response", Err: err}
	}
	return nil
}
