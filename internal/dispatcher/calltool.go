// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package dispatcher

import (
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"
)

// callToolResult is the MCP `CallToolResult` shape produced by
// wrapCallToolResult (spec.md §6.3).
type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
	Meta    any            `json:"_meta,omitempty"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func textResult(text string, isError bool) callToolResult {
	return callToolResult{Content: []contentBlock{{Type: "text", Text: text}}, IsError: isError}
}

// wrapCallToolResult implements spec.md §6.3's duck-typed decision table
// on a raw frontend tool-call result value.
func wrapCallToolResult(result any) callToolResult {
	if result == nil {
		return textResult("", false)
	}

	if obj, ok := result.(map[string]any); ok {
		if _, hasError := obj["error"]; hasError {
			return textResult(prettyJSON(obj), true)
		}
		if dataURL, ok := obj["dataUrl"].(string); ok && strings.HasPrefix(dataURL, "data:image/") {
			if block, ok := imageBlockFromDataURL(dataURL); ok {
				return callToolResult{Content: []contentBlock{block}}
			}
		}
		if meta, hasMeta := obj["_meta"]; hasMeta {
			rest := make(map[string]any, len(obj)-1)
			for k, v := range obj {
				if k == "_meta" {
					continue
				}
				rest[k] = v
			}
			return callToolResult{Content: []contentBlock{{Type: "text", Text: prettyJSON(rest)}}, Meta: meta}
		}
		return textResult(prettyJSON(obj), false)
	}

	if s, ok := result.(string); ok {
		if strings.HasPrefix(s, "data:image/") {
			if block, ok := imageBlockFromDataURL(s); ok {
				return callToolResult{Content: []contentBlock{block}}
			}
		}
		return textResult(s, false)
	}

	return textResult(prettyJSON(result), false)
}

// imageBlockFromDataURL splits a `data:<mimeType>;base64,<payload>` URL
// into an MCP image content block.
func imageBlockFromDataURL(dataURL string) (contentBlock, bool) {
	rest := strings.TrimPrefix(dataURL, "data:")
	semi := strings.Index(rest, ";")
	comma := strings.Index(rest, ",")
	if semi < 0 || comma < 0 || comma < semi {
		return contentBlock{}, false
	}
	mimeType := rest[:semi]
	payload := rest[comma+1:]
	return contentBlock{Type: "image", Data: payload, MimeType: mimeType}, true
}

func prettyJSON(v any) string {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(body)
}
