// ABOUTME: Model allow-list for agent queries.
// ABOUTME: Lightweight model families are never used because they cannot drive tools reliably.

package query

import "strings"

// DefaultModel is used when a query names no model or an unsupported one.
const DefaultModel = "claude-sonnet-4-20250514"

// supportedModels lists the tool-capable models a query may select.
var supportedModels = map[string]bool{
	"claude-sonnet-4-20250514":   true,
	"claude-opus-4-20250514":     true,
	"claude-opus-4-1-20250805":   true,
	"claude-3-7-sonnet-20250219": true,
	"claude-3-5-sonnet-20241022": true,
}

// IsSupportedModel reports whether model may be used for a query.
func IsSupportedModel(model string) bool {
	if isLightweight(model) {
		return false
	}
	return supportedModels[model]
}

// ResolveModel returns requested when it is supported and fallback otherwise.
func ResolveModel(requested, fallback string) string {
	if requested != "" && IsSupportedModel(requested) {
		return requested
	}
	return fallback
}

func isLightweight(model string) bool {
	return strings.Contains(strings.ToLower(model), "haiku")
}

var permissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

// IsPermissionMode reports whether mode is understood by the agent process.
func IsPermissionMode(mode string) bool {
	return permissionModes[mode]
}
