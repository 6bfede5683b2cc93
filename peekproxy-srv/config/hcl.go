package config

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2/hclparse"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// loadHCLConfig reads an HCL file made of top-level attributes only. Each
// attribute is evaluated without variables, converted to its plain JSON form
// and handed to the same mapping as the JSON loader, so both formats accept
// the same keys.
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %w", diags)
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to read HCL attributes: %w", diags)
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("failed to evaluate %s: %w", name, diags)
		}

		raw, err := ctyjson.SimpleJSONValue{Value: val}.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to convert %s: %w", name, err)
		}

		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("failed to convert %s: %w", name, err)
		}
		data[name] = decoded
	}

	return applyConfigMap(data, cfg)
}
