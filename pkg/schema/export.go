package schema

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema exports the RequestMessage structural schema for cross-language
// producers.
func JSONSchema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	s := reflector.Reflect(&RequestMessage{})
	s.Title = "RequestMessage"
	s.Description = "Work item submitted to an organization request queue."
	return json.MarshalIndent(s, "", "  ")
}
