// Package agentkind carries the catalog of well-known background-agent
// roles a Background-Agent can be queued as, plus the free-form custom
// escape hatch for anything outside the five built-ins.
package agentkind

import (
	"sort"
	"strings"
)

// customPrefix marks a kind string as a free-form role rather than one of
// the built-ins. A kind of "custom:security-audit" is valid even though
// "security-audit" never appears in builtin.
const customPrefix = "custom:"

// Info describes one built-in agent role: its default model tier and a
// short system-prompt seed a spawner can fold into the child's launch
// instructions.
type Info struct {
	Name         string
	DefaultModel string
	PromptSeed   string
}

var builtin = map[string]Info{
	"architect": {
		Name:         "architect",
		DefaultModel: "opus",
		PromptSeed:   "plan, design, decompose. think first. output: steps, dependencies, risks.",
	},
	"explorer": {
		Name:         "explorer",
		DefaultModel: "sonnet",
		PromptSeed:   "find, read, understand. output: paths, snippets, structure. no edits.",
	},
	"implementer": {
		Name:         "implementer",
		DefaultModel: "opus",
		PromptSeed:   "code, edit, build. read before edit. small changes. output: working code, minimal diff.",
	},
	"guardian": {
		Name:         "guardian",
		DefaultModel: "opus",
		PromptSeed:   "review, audit, verify. check bugs, security, performance. output: issues, severity, fixes.",
	},
	"specialist": {
		Name:         "specialist",
		DefaultModel: "sonnet",
		PromptSeed:   "adapt to domain: test, docs, devops, data. output: domain artifacts.",
	},
}

// InfoFor returns metadata for a built-in kind name. It returns false for
// anything outside the five built-ins, including custom:* kinds — callers
// that need to accept both should check IsCustom first.
func InfoFor(name string) (Info, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	info, ok := builtin[name]
	if !ok {
		return Info{}, false
	}
	return info, true
}

// Names returns the five built-in kind names in stable order.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsCustom reports whether kind names a free-form role rather than a
// built-in.
func IsCustom(kind string) bool {
	return strings.HasPrefix(kind, customPrefix)
}

// CustomName returns the free-form role name of a custom:<name> kind, or
// "" if kind is not a custom kind.
func CustomName(kind string) string {
	if !IsCustom(kind) {
		return ""
	}
	return strings.TrimPrefix(kind, customPrefix)
}

// Custom builds a custom:<name> kind string for a free-form role.
func Custom(name string) string {
	return customPrefix + name
}

// Valid reports whether kind is either a built-in role or a non-empty
// custom role.
func Valid(kind string) bool {
	if _, ok := InfoFor(kind); ok {
		return true
	}
	return CustomName(kind) != ""
}
