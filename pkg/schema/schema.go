// Package schema implements a narrow, precise validator over a closed
// type set {string, number, boolean, object, array, text/audio/image/
// video/document/file/binary/json/xml/csv/pdf, any}. It deliberately
// does not depend on a heavyweight JSON-schema validation framework —
// the closed type set is small
// enough that a recursive type-switch is the whole job.
package schema

import (
	"fmt"

	"github.com/agentmesh/controlplane/pkg/types"
)

// Validate checks value against doc, returning a descriptive error on
// the first mismatch found (depth-first, property order
// non-deterministic across a map).
func Validate(doc *types.SchemaDoc, value any) error {
	if doc == nil {
		return nil
	}
	return validateAt("$", doc, value)
}

func validateAt(path string, doc *types.SchemaDoc, value any) error {
	switch doc.Type {
	case types.SchemaAny:
		return nil
	case types.SchemaString, types.SchemaText, types.SchemaAudio, types.SchemaImage,
		types.SchemaVideo, types.SchemaDocument, types.SchemaFile, types.SchemaBinary,
		types.SchemaJSON, types.SchemaXML, types.SchemaCSV, types.SchemaPDF:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%s: expected %s, got %T", path, doc.Type, value)
		}
	case types.SchemaNumber:
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Errorf("%s: expected number, got %T", path, value)
		}
	case types.SchemaBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", path, value)
		}
	case types.SchemaObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", path, value)
		}
		for _, req := range doc.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required field %q", path, req)
			}
		}
		for key, propSchema := range doc.Properties {
			v, present := obj[key]
			if !present {
				continue
			}
			if err := validateAt(path+"."+key, propSchema, v); err != nil {
				return err
			}
		}
	case types.SchemaArray:
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %T", path, value)
		}
		if doc.Items != nil {
			for i, item := range arr {
				if err := validateAt(fmt.Sprintf("%s[%d]", path, i), doc.Items, item); err != nil {
					return err
				}
			}
		}
	default:
		return fmt.Errorf("%s: unknown schema type %q", path, doc.Type)
	}
	return nil
}
