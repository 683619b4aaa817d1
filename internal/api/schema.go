package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var errBadRequest = errors.New("api: bad request")

const maxBodySize = 1 << 20

const probeSchema = `{
  "type": "object",
  "required": ["region_id", "timestamp", "status"],
  "properties": {
    "region_id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "format": "date-time"},
    "status": {"type": "string", "enum": ["ok", "fail"]},
    "latency_ms": {"type": "number", "minimum": 0}
  }
}`

const lagSampleSchema = `{
  "type": "object",
  "required": ["channel_id", "lag_ms"],
  "properties": {
    "channel_id": {"type": "string", "minLength": 1},
    "lag_ms": {"type": "number", "minimum": 0},
    "observed_at": {"type": "string", "format": "date-time"}
  }
}`

const policySchema = `{
  "type": "object",
  "required": ["entries", "version"],
  "properties": {
    "version": {"type": "integer", "minimum": 0},
    "entries": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["region_id"],
        "properties": {
          "region_id": {"type": "string", "minLength": 1},
          "endpoint": {"type": "string"},
          "weighted": {
            "type": "object",
            "required": ["weight"],
            "properties": {"weight": {"type": "integer"}}
          },
          "failover": {
            "type": "object",
            "required": ["rank"],
            "properties": {"rank": {"type": "integer"}}
          }
        }
      }
    }
  }
}`

const forcePromoteSchema = `{
  "type": "object",
  "required": ["region_id", "reason"],
  "properties": {
    "region_id": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "minLength": 1}
  }
}`

const blockSchema = `{
  "type": "object",
  "required": ["reason", "until"],
  "properties": {
    "reason": {"type": "string", "minLength": 1},
    "until": {"type": "string", "format": "date-time"}
  }
}`

const clearHaltSchema = `{
  "type": "object",
  "required": ["from_region", "to_region"],
  "properties": {
    "from_region": {"type": "string", "minLength": 1},
    "to_region": {"type": "string", "minLength": 1}
  }
}`

// schemas are compiled once
var (
	probeRequestSchema        = mustSchema(probeSchema)
	lagSampleRequestSchema    = mustSchema(lagSampleSchema)
	policyRequestSchema       = mustSchema(policySchema)
	forcePromoteRequestSchema = mustSchema(forcePromoteSchema)
	blockRequestSchema        = mustSchema(blockSchema)
	clearHaltRequestSchema    = mustSchema(clearHaltSchema)
)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("compile request schema: %v", err))
	}
	return schema
}

// decodeBody validates the body against schema and decodes it into v
func decodeBody(r *http.Request, schema *gojsonschema.Schema, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(body) > maxBodySize {
		return fmt.Errorf("%w: request body too large", errBadRequest)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: malformed json: %v", errBadRequest, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", errBadRequest, strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
