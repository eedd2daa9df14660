package gateway

import (
	"github.com/xeipuuv/gojsonschema"
)

// Request body schemas for the routes that carry one. Anything beyond the
// required fields is passed through to the peer untouched.
const (
	tabIDSchema = `{
  "type": "object",
  "required": ["tabId"],
  "properties": {"tabId": {"type": "number"}}
}`
	openURLSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "windowId": {"type": "number"}
  }
}`
)

const (
	msgInvalidTabID = "Missing or invalid tabId"
	msgMissingURL   = "Missing url"
)

// bodyRule pairs a compiled schema with the message returned when a body
// does not satisfy it.
type bodyRule struct {
	schema  *gojsonschema.Schema
	message string
}

func mustRule(src, message string) *bodyRule {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic("gateway: bad built-in schema: " + err.Error())
	}
	return &bodyRule{schema: s, message: message}
}

var (
	tabIDRule   = mustRule(tabIDSchema, msgInvalidTabID)
	openURLRule = mustRule(openURLSchema, msgMissingURL)
)

// check reports whether body satisfies the rule. Bodies that are not JSON
// fail the same way as bodies missing the field.
func (r *bodyRule) check(body []byte) bool {
	res, err := r.schema.Validate(gojsonschema.NewBytesLoader(body))
	return err == nil && res.Valid()
}

// Personal.AI order the ending
