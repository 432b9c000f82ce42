/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package result parses structured JSON out of free-form model responses.
// Models are asked for bare JSON but routinely wrap it in markdown fences or
// prose, and occasionally emit JSON with small syntax defects; this package
// peels the wrapping and repairs what it can before unmarshaling.
package result

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractJSON extracts JSON content from a text response that may contain
// markdown code blocks. It looks for content between ```json and ``` markers,
// or returns the input trimmed if no markers are found.
func ExtractJSON(responseText string) string {
	// Search for the first instance of ```json on its own line and collect
	// content until the closing ```.
	lines := strings.Split(responseText, "\n")
	var jsonBuffer bytes.Buffer
	inJSONBlock := false
	foundJSON := false

	for _, line := range lines {
		if !inJSONBlock && strings.TrimSpace(line) == "```json" {
			inJSONBlock = true
			foundJSON = true
			continue
		}

		if inJSONBlock && strings.TrimSpace(line) == "```" {
			break
		}

		if inJSONBlock {
			if jsonBuffer.Len() > 0 {
				jsonBuffer.WriteString("\n")
			}
			jsonBuffer.WriteString(line)
		}
	}

	if foundJSON {
		return strings.TrimSpace(jsonBuffer.String())
	}

	// Fallback: strip stray fences and whitespace.
	responseText = strings.TrimSpace(responseText)
	if strings.HasPrefix(responseText, "```json") && strings.HasSuffix(responseText, "```") {
		responseText = strings.TrimPrefix(responseText, "```json")
		responseText = strings.TrimSuffix(responseText, "```")
		return strings.TrimSpace(responseText)
	}
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	return strings.TrimSpace(responseText)
}

// Extract pulls JSON out of a model response and unmarshals it into T.
// When the extracted text does not parse, it makes one repair attempt
// (trailing commas, unquoted keys, truncated objects) before giving up.
func Extract[T any](responseText string) (T, error) {
	var result T

	jsonContent := ExtractJSON(responseText)
	firstErr := json.Unmarshal([]byte(jsonContent), &result)
	if firstErr == nil {
		return result, nil
	}

	repaired, err := jsonrepair.JSONRepair(jsonContent)
	if err != nil {
		return result, firstErr
	}
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		return result, firstErr
	}
	return result, nil
}
