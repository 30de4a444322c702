package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[Method]*jsonschema.Schema
}

var registry schemaRegistry

func initSchemas() error {
	registry.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("frame_request", requestSchema)
		if err != nil {
			registry.initErr = err
			return
		}
		registry.request = reqSchema

		methods := map[Method]string{
			MethodConnect:           connectParamsSchema,
			MethodChatSend:          chatSendParamsSchema,
			MethodChatAbort:         chatAbortParamsSchema,
			MethodChatHistory:       chatHistoryParamsSchema,
			MethodSessionsList:      sessionsListParamsSchema,
			MethodSessionsSwitch:    sessionsSwitchParamsSchema,
			MethodSessionsNew:       emptyParamsSchema,
			MethodPermissionRespond: permissionRespondParamsSchema,
			MethodPing:              emptyParamsSchema,
		}

		registry.methods = make(map[Method]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("frame_method_"+string(name), schema)
			if err != nil {
				registry.initErr = err
				return
			}
			registry.methods[name] = compiled
		}
	})
	return registry.initErr
}

// ValidateRequestFrame checks raw against the request envelope schema, then
// checks frame.Params against that method's own params schema if compiled.
func ValidateRequestFrame(raw []byte, frame *Frame) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := registry.request.Validate(payload); err != nil {
		return fmt.Errorf("frame envelope: %w", err)
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}
	schema := registry.methods[frame.Method]
	if schema == nil {
		return fmt.Errorf("unknown method %q", frame.Method)
	}
	var params any
	if len(frame.Params) == 0 {
		params = map[string]any{}
	} else if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if err := schema.Validate(params); err != nil {
		return fmt.Errorf("method %s params: %w", frame.Method, err)
	}
	return nil
}

const requestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const emptyParamsSchema = `{ "type": "object", "additionalProperties": true }`

const connectParamsSchema = `{
  "type": "object",
  "required": ["minProtocol", "maxProtocol", "client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["cli", "tui", "web", "telegram"] },
        "version": { "type": "string" }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": "object",
      "properties": { "token": { "type": "string" } },
      "additionalProperties": true
    },
    "sessionPreference": { "type": "string" }
  },
  "additionalProperties": true
}`

const chatSendParamsSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "sessionId": { "type": "string" },
    "content": { "type": "string", "minLength": 1 },
    "idempotencyKey": { "type": "string" }
  },
  "additionalProperties": true
}`

const chatAbortParamsSchema = `{
  "type": "object",
  "properties": {
    "runId": { "type": "string" },
    "sessionId": { "type": "string" }
  },
  "additionalProperties": true
}`

const chatHistoryParamsSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 },
    "before": { "type": "string" }
  },
  "additionalProperties": true
}`

const sessionsListParamsSchema = `{
  "type": "object",
  "properties": {
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 },
    "offset": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const sessionsSwitchParamsSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const permissionRespondParamsSchema = `{
  "type": "object",
  "required": ["requestId", "decision"],
  "properties": {
    "requestId": { "type": "string", "minLength": 1 },
    "decision": { "type": "string", "enum": ["allow", "deny"] },
    "reason": { "type": "string" }
  },
  "additionalProperties": true
}`
