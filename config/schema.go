// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/util"
)

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// ValidateWithSchema checks a YAML config file against the embedded JSON
// schema. It catches unknown keys and malformed durations that Load would
// otherwise silently ignore or misread.
//
// Example usage:
//
//	if err := config.ValidateWithSchema("config.yaml"); err != nil {
//	    logger.Fatal().Err(err).Msg("Invalid configuration")
//	}
func ValidateWithSchema(configPath string) error {
	configData, err := util.ReadFileSafely(configPath)
	if err != nil {
		return apperrors.NewConfigError("config", configPath, fmt.Errorf("failed to read config: %w", err))
	}
	return validateDocument(configData)
}

func validateDocument(configData []byte) error {
	var configObj interface{}
	if err := yaml.Unmarshal(configData, &configObj); err != nil {
		return apperrors.NewConfigError("config", "", fmt.Errorf("failed to parse config YAML: %w", err))
	}
	if configObj == nil {
		configObj = map[string]interface{}{}
	}

	configJSON, err := json.Marshal(configObj)
	if err != nil {
		return apperrors.NewConfigError("config", "", fmt.Errorf("failed to convert config to JSON: %w", err))
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(configJSON))
	if err != nil {
		return apperrors.NewConfigError("config", "", fmt.Errorf("schema validation failed: %w", err))
	}
	if !result.Valid() {
		return formatValidationErrors(result.Errors())
	}
	return nil
}

// formatValidationErrors formats JSON schema validation errors into a readable message
func formatValidationErrors(errs []gojsonschema.ResultError) error {
	if len(errs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("configuration validation errors:\n")
	for i, e := range errs {
		fmt.Fprintf(&b, "  %d. %s: %s\n", i+1, e.Field(), e.Description())
	}
	return apperrors.NewConfigError(errs[0].Field(), "", fmt.Errorf("%s", b.String()))
}

// GetSchemaJSON returns the embedded JSON schema as a string.
func GetSchemaJSON() string {
	return string(schemaJSON)
}
