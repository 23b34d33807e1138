package profile

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenStageCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/stage-profile-v1.json
var stageProfileSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("stage-profile-v1.json",
		strings.NewReader(stageProfileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("stage-profile-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateProfile checks a JSON document against the schema.
func (v *Validator) ValidateProfile(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ValidateStageProfile runs the schema plus the cross-field checks JSON
// schema cannot express.
func (v *Validator) ValidateStageProfile(p *types.StageProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := v.ValidateProfile(data); err != nil {
		return err
	}

	l := p.Limits
	for _, r := range []struct {
		axis     string
		neg, pos float64
	}{
		{"x", l.XNegative, l.XPositive},
		{"y", l.YNegative, l.YPositive},
		{"z", l.ZNegative, l.ZPositive},
	} {
		if r.neg >= r.pos {
			return fmt.Errorf("software limits for %s are empty: negative %.3f >= positive %.3f", r.axis, r.neg, r.pos)
		}
	}
	return nil
}
