package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas per event type. Known types are validated strictly on
// their required fields; additional properties are allowed everywhere so
// forward-compatible extra fields survive round-trips.
var payloadSchemaSources = map[EventType]string{
	EventCaseOpened: `{
		"type": "object",
		"required": ["workflow", "stages"],
		"properties": {
			"workflow": {"type": "string", "minLength": 1},
			"stages": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"context": {"type": "object"}
		}
	}`,
	EventStageResultRecorded: `{
		"type": "object",
		"required": ["stage_id", "agent_id", "decision", "attempt"],
		"properties": {
			"stage_id": {"type": "string", "minLength": 1},
			"agent_id": {"type": "string", "minLength": 1},
			"decision": {"enum": ["approve", "reject", "request_adjustment", "pending"]},
			"attempt": {"type": "integer", "minimum": 1},
			"analysis_hash": {"type": "string"}
		}
	}`,
	EventStageFailed: `{
		"type": "object",
		"required": ["stage_id", "cause"],
		"properties": {
			"stage_id": {"type": "string", "minLength": 1},
			"cause": {"type": "string", "minLength": 1},
			"attempts": {"type": "integer", "minimum": 0}
		}
	}`,
	EventStageSkipped: `{
		"type": "object",
		"required": ["stage_id", "reason"],
		"properties": {
			"stage_id": {"type": "string", "minLength": 1},
			"reason": {"type": "string", "minLength": 1}
		}
	}`,
	EventForcedResume: `{
		"type": "object",
		"required": ["previous_status"],
		"properties": {
			"previous_status": {"type": "string", "minLength": 1},
			"superseded_seal": {"type": "string"}
		}
	}`,
	EventCaseCancelled: `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		}
	}`,
	EventArtifactAttached: `{
		"type": "object",
		"required": ["ref", "name", "size"],
		"properties": {
			"ref": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
			"name": {"type": "string", "minLength": 1},
			"size": {"type": "integer", "minimum": 0},
			"media_type": {"type": "string"}
		}
	}`,
}

// genericPayloadSchema is the escape hatch for event types the registry
// does not know about.
const genericPayloadSchema = `{"type": "object"}`

var payloadSchemas = compileSchemas()

func compileSchemas() map[EventType]*jsonschema.Schema {
	compiled := make(map[EventType]*jsonschema.Schema, len(payloadSchemaSources)+1)
	c := jsonschema.NewCompiler()
	for typ, src := range payloadSchemaSources {
		url := fmt.Sprintf("docket://schemas/%s.json", typ)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("ledger: bad schema resource for %s: %v", typ, err))
		}
		sch, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("ledger: schema for %s does not compile: %v", typ, err))
		}
		compiled[typ] = sch
	}
	const genericURL = "docket://schemas/generic.json"
	if err := c.AddResource(genericURL, strings.NewReader(genericPayloadSchema)); err != nil {
		panic(fmt.Sprintf("ledger: bad generic schema resource: %v", err))
	}
	sch, err := c.Compile(genericURL)
	if err != nil {
		panic(fmt.Sprintf("ledger: generic schema does not compile: %v", err))
	}
	compiled[""] = sch
	return compiled
}

// validatePayload checks raw against the schema registered for typ.
func validatePayload(typ EventType, raw json.RawMessage) error {
	sch, ok := payloadSchemas[typ]
	if !ok {
		sch = payloadSchemas[""]
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidEvent, err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%w: payload schema for %q: %v", ErrInvalidEvent, typ, err)
	}
	return nil
}
