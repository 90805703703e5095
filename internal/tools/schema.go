package tools

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
)

// schemaFor derives a self-contained JSON schema from a tool's argument
// struct. Field names come from json tags; omitempty marks a field
// optional; descriptions and enums ride jsonschema tags.
func schemaFor(v any) (json.RawMessage, error) {
	reflector := invopop.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	raw, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		return nil, fmt.Errorf("tools: derive schema: %w", err)
	}
	return raw, nil
}

// mustSchema is schemaFor for package-level tool construction, where a
// failure is a programming error.
func mustSchema(v any) json.RawMessage {
	raw, err := schemaFor(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// decodeArgs maps validated argument maps onto a tool's typed struct.
func decodeArgs(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tools: encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("tools: decode arguments: %w", err)
	}
	return nil
}

// jsonResult renders a tool result payload. Tools return structured JSON so
// the model can parse fields instead of scraping prose.
func jsonResult(payload any) (string, error) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("tools: encode result: %w", err)
	}
	return string(encoded), nil
}
