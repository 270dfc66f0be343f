package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true, // inline all definitions
	}

	schema := reflector.Reflect(&Config{})
	schema.Title = "smbzfs Configuration"
	schema.Description = "Configuration schema for the smbzfs provisioning tool"
	schema.Version = "1.0.0"

	return json.MarshalIndent(schema, "", "  ")
}
