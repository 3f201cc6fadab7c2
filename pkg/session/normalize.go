package session

import (
	"regexp"
	"strings"
)

var providerIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

var providerAliases = map[string]string{
	"claude":       "claude-cli",
	"claude-code":  "claude-cli",
	"codex":        "codex-cli",
	"z.ai":         "zai",
	"z-ai":         "zai",
	"opencode-zen": "opencode",
	"qwen":         "qwen-portal",
	"bedrock":      "amazon-bedrock",
	"aws-bedrock":  "amazon-bedrock",
}

// NormalizeProviderID canonicalizes a provider identifier. It reports false
// when the input is blank or contains characters outside [a-z0-9._-].
func NormalizeProviderID(raw string) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" || !providerIDPattern.MatchString(id) {
		return "", false
	}
	if alias, ok := providerAliases[id]; ok {
		return alias, true
	}
	return id, true
}
