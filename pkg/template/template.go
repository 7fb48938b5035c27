// Package template implements the Template engine's instantiation
// step: a pure function mapping (template body, parameters) to a
// rendered artifact by substituting {{placeholder}} markers. No
// templating library is used — placeholder substitution is a narrow
// enough job that a small hand-rolled scanner is clearer than pulling
// in text/template's control-flow machinery for something that never
// needs it.
package template

import (
	"strings"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/schema"
	"github.com/agentmesh/controlplane/pkg/types"
)

// Render substitutes every {{key}} placeholder in body with
// params[key]. A placeholder with no matching parameter is left
// untouched so the caller can detect missing values explicitly via
// Validate first. Render is deterministic: identical (body, params)
// always produce identical output.
func Render(body string, params map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(body) {
		start := strings.Index(body[i:], "{{")
		if start == -1 {
			b.WriteString(body[i:])
			break
		}
		start += i
		b.WriteString(body[i:start])

		end := strings.Index(body[start:], "}}")
		if end == -1 {
			b.WriteString(body[start:])
			break
		}
		end += start

		key := strings.TrimSpace(body[start+2 : end])
		if val, ok := params[key]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(body[start : end+2])
		}
		i = end + 2
	}
	return b.String()
}

// Validate checks params against a parameter schema before
// instantiation: parameters are validated against the declared schema.
func Validate(paramSchema *types.SchemaDoc, params map[string]any) error {
	if paramSchema == nil {
		return nil
	}
	if err := schema.Validate(paramSchema, params); err != nil {
		return coreerr.Wrap(coreerr.BadInput, "template parameters invalid", err)
	}
	return nil
}

// Instantiate is the pure (template, params) -> rendered-body function:
// parameters are validated first, then substituted.
func Instantiate(body string, paramSchema *types.SchemaDoc, params map[string]string) (string, error) {
	asAny := make(map[string]any, len(params))
	for k, v := range params {
		asAny[k] = v
	}
	if err := Validate(paramSchema, asAny); err != nil {
		return "", err
	}
	return Render(body, params), nil
}
