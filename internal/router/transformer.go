package router

import "strings"

// rewriteRule describes how to turn a canonical model id into the id a
// specific provider expects on the wire. Prefix/Suffix are stripped if
// present; Table is consulted first and wins over the strip rule.
type rewriteRule struct {
	StripPrefix string
	StripSuffix string
	Table       map[string]string
}

// rewriteRules is the per-provider id transformation table. Providers not
// listed here receive the canonical id unchanged (the fallback path every
// OpenAI-compatible adapter relies on).
var rewriteRules = map[string]rewriteRule{
	"azure": {
		StripPrefix: "azure-",
	},
	"vertexai": {
		StripPrefix: "vertexai-",
	},
	"bedrock": {
		// Bedrock ids are already provider-namespaced (e.g.
		// "anthropic.claude-3-5-sonnet-20241022-v2:0"); passed through as-is.
	},
	"cerebras": {
		Table: map[string]string{
			"llama-3.1-8b":  "llama3.1-8b",
			"llama-3.1-70b": "llama3.1-70b",
			"llama-3.3-70b": "llama3.3-70b",
		},
	},
}

// Rewrite implements C6: a pure function mapping a canonical model id to the
// id a given provider expects. Falls back to the canonical id unchanged when
// no rule applies.
func Rewrite(canonicalModel, provider string) string {
	rule, ok := rewriteRules[provider]
	if !ok {
		return canonicalModel
	}
	if rule.Table != nil {
		if mapped, ok := rule.Table[canonicalModel]; ok {
			return mapped
		}
	}
	id := canonicalModel
	if rule.StripPrefix != "" {
		id = strings.TrimPrefix(id, rule.StripPrefix)
	}
	if rule.StripSuffix != "" {
		id = strings.TrimSuffix(id, rule.StripSuffix)
	}
	return id
}
