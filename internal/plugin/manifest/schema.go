// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package manifest

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// SchemaID is the $id of the descriptor schema, for use in plugin.yaml files.
const SchemaID = "https://keystone.run/schemas/plugin.schema.json"

var compiledSchema = sync.OnceValues(compileSchema)

// GenerateSchema generates the JSON Schema for plugin.yaml descriptors.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		Mapper:         mapType,
	}
	schema := r.Reflect(&pluginpkg.Descriptor{})

	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Keystone Plugin Descriptor"
	schema.Description = "Schema for plugin.yaml descriptor files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Code("SCHEMA_GENERATE_FAILED").Wrap(err)
	}
	return data, nil
}

// mapType lets a dependency be written either as a compact string or as a
// mapping.
func mapType(t reflect.Type) *jsonschema.Schema {
	if t != reflect.TypeFor[pluginpkg.Dependency]() {
		return nil
	}
	props := jsonschema.NewProperties()
	props.Set("id", &jsonschema.Schema{Type: "string", MinLength: ptr(uint64(1)), MaxLength: ptr(uint64(64))})
	props.Set("version", &jsonschema.Schema{Type: "string", Description: "Semantic version constraint; defaults to *"})
	props.Set("optional", &jsonschema.Schema{Type: "boolean"})
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string", MinLength: ptr(uint64(1)), Description: "Compact form id[?][@constraint]"},
			{
				Type:                 "object",
				Properties:           props,
				Required:             []string{"id"},
				AdditionalProperties: jsonschema.FalseSchema,
			},
		},
	}
}

func ptr[T any](v T) *T { return &v }

// ValidateSchema validates YAML data against the descriptor schema.
func ValidateSchema(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return oops.Code("DESCRIPTOR_INVALID").Wrapf(pluginpkg.ErrDescriptorInvalid, "descriptor is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.Code("DESCRIPTOR_INVALID").Wrap(errors.Join(pluginpkg.ErrDescriptorInvalid, err))
	}

	sch, err := compiledSchema()
	if err != nil {
		return oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}

	if err := sch.Validate(toJSON(doc)); err != nil {
		return oops.Code("DESCRIPTOR_INVALID").
			Hint(FormatSchemaError(err)).
			Wrap(errors.Join(pluginpkg.ErrDescriptorInvalid, err))
	}
	return nil
}

func compileSchema() (*jschema.Schema, error) {
	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("plugin.schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("plugin.schema.json")
}

// toJSON converts YAML-decoded values into the types the validator expects.
func toJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSON(item)
		}
		return out
	case string, int, int64, float64, bool, nil:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return val
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return val
		}
		return out
	}
}

// FormatSchemaError returns the user-facing part of a validation error.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	var verr *jschema.ValidationError
	if errors.As(err, &verr) {
		return strings.TrimSpace(verr.Error())
	}
	return err.Error()
}
