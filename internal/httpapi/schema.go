package httpapi

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://mirror.local/schemas/"

// schemas holds the compiled request body schemas.
type schemas struct {
	notification *jsonschema.Schema
	resync       *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	for _, name := range []string{"notification.json", "resync.json"} {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaBase+name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	var s schemas
	var err error
	if s.notification, err = c.Compile(schemaBase + "notification.json"); err != nil {
		return nil, fmt.Errorf("compile notification schema: %w", err)
	}
	if s.resync, err = c.Compile(schemaBase + "resync.json"); err != nil {
		return nil, fmt.Errorf("compile resync schema: %w", err)
	}
	return &s, nil
}

// validate checks a JSON body against sch.
func validate(sch *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return sch.Validate(inst)
}
