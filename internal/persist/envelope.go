package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// metaKey is reserved inside the envelope; no slice may use it.
const metaKey = "_persist"

const envelopeSchemaText = `{
	"type": "object",
	"required": ["_persist"],
	"properties": {
		"_persist": {
			"type": "object",
			"required": ["version"],
			"properties": {
				"version": {"type": "number"}
			}
		}
	}
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

type persistMeta struct {
	Version int `json:"version"`
}

// Envelope is the serialized record written under the namespace key: one
// serialized payload per persisted slice plus the format version.
type Envelope struct {
	Version int
	Slices  map[string]json.RawMessage
}

func marshalEnvelope(version int, slices map[string]json.RawMessage) ([]byte, error) {
	document := make(map[string]json.RawMessage, len(slices)+1)
	meta, err := json.Marshal(persistMeta{Version: version})
	if err != nil {
		return nil, err
	}
	document[metaKey] = meta
	for name, payload := range slices {
		if name == metaKey {
			continue
		}
		document[name] = payload
	}
	return json.Marshal(document)
}

// parseEnvelope validates the raw document against the envelope schema and
// splits it into metadata and per-slice payloads. Validation failure means
// the document is not an envelope at all, which rehydration treats the same
// as an absent one.
func parseEnvelope(data []byte) (*Envelope, error) {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("envelope is not valid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("envelope failed schema validation: %w", err)
	}
	document := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, err
	}
	var meta persistMeta
	if err := json.Unmarshal(document[metaKey], &meta); err != nil {
		return nil, fmt.Errorf("envelope metadata: %w", err)
	}
	delete(document, metaKey)
	return &Envelope{Version: meta.Version, Slices: document}, nil
}

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		document, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaText))
		if err != nil {
			envelopeSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", document); err != nil {
			envelopeSchemaErr = err
			return
		}
		envelopeSchema, envelopeSchemaErr = compiler.Compile("envelope.json")
	})
	return envelopeSchema, envelopeSchemaErr
}
