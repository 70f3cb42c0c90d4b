package contextstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// namePattern constrains context names and tool categories.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// versionPattern is the semver shape expected in metadata.version.
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// reservedNames cannot be used as context names.
var reservedNames = map[string]bool{
	"system": true,
	"admin":  true,
	"config": true,
	"server": true,
}

// ValidName reports whether name matches the allowed pattern and is not
// reserved. Matching is case-sensitive.
func ValidName(name string) bool {
	return namePattern.MatchString(name) && !reservedNames[name]
}

// Result is the outcome of validating a candidate document. A document with
// zero errors is persistable regardless of warnings; warnings are surfaced
// to the caller but never block a write.
type Result struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// OK reports whether the document may be persisted.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Sections that must decode to JSON objects when present.
var objectSections = []string{
	"syntax_rules",
	"preferences",
	"auto_corrections",
	"session_initialization",
	"auto_store_triggers",
	"auto_retrieve_triggers",
	"metadata",
}

// Validate checks a candidate document (decoded to its top-level keys)
// against the required-field and type schema. Pure: no I/O, deterministic.
func Validate(raw map[string]json.RawMessage) Result {
	var res Result

	for _, field := range []string{"tool_category", "description"} {
		val, ok := raw[field]
		if !ok {
			res.errorf("missing required field: %s", field)
			continue
		}
		var s string
		if isNull(val) || json.Unmarshal(val, &s) != nil {
			res.errorf("field %q must be a string", field)
			continue
		}
		if field == "tool_category" && !namePattern.MatchString(s) {
			res.errorf("tool_category must contain only alphanumeric characters, underscores, and hyphens (1-50 chars)")
		}
	}

	for _, section := range objectSections {
		val, ok := raw[section]
		if !ok {
			continue
		}
		var obj map[string]json.RawMessage
		if isNull(val) || json.Unmarshal(val, &obj) != nil {
			res.errorf("%q must be an object", section)
		}
	}

	validateMetadata(raw, &res)
	validateSessionInit(raw, &res)

	return res
}

// isNull reports whether a raw value is the JSON literal null. Unmarshal
// treats null as a no-op into maps and scalars, so type checks must catch it
// explicitly.
func isNull(val json.RawMessage) bool {
	return string(bytes.TrimSpace(val)) == "null"
}

// ValidateBytes validates a raw JSON document. Malformed JSON is reported as
// a single error rather than propagated.
func ValidateBytes(data []byte) Result {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{Errors: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}
	return Validate(raw)
}

func validateMetadata(raw map[string]json.RawMessage, res *Result) {
	val, ok := raw["metadata"]
	if !ok {
		return
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(val, &meta); err != nil {
		return // reported by the object-section check
	}
	ver, ok := meta["version"]
	if !ok {
		return
	}
	var s string
	if isNull(ver) || json.Unmarshal(ver, &s) != nil {
		res.errorf("metadata.version must be a string")
		return
	}
	if !versionPattern.MatchString(s) {
		res.warnf("metadata.version should follow semantic versioning (x.y.z)")
	}
}

func validateSessionInit(raw map[string]json.RawMessage, res *Result) {
	val, ok := raw["session_initialization"]
	if !ok {
		return
	}
	var init map[string]json.RawMessage
	if err := json.Unmarshal(val, &init); err != nil {
		return // reported by the object-section check
	}

	if enabled, ok := init["enabled"]; ok {
		var b bool
		if isNull(enabled) || json.Unmarshal(enabled, &b) != nil {
			res.errorf("session_initialization.enabled must be a boolean")
		}
	}

	actionsRaw, ok := init["actions"]
	if !ok {
		return
	}
	var actions map[string]json.RawMessage
	if isNull(actionsRaw) || json.Unmarshal(actionsRaw, &actions) != nil {
		res.errorf("session_initialization.actions must be an object")
		return
	}
	startupRaw, ok := actions["on_startup"]
	if !ok {
		return
	}
	var startup []json.RawMessage
	if isNull(startupRaw) || json.Unmarshal(startupRaw, &startup) != nil {
		res.errorf("session_initialization.actions.on_startup must be an array")
		return
	}
	for i, entry := range startup {
		var action map[string]json.RawMessage
		if isNull(entry) || json.Unmarshal(entry, &action) != nil {
			res.errorf("session_initialization.actions.on_startup[%d] must be an object", i)
			continue
		}
		if _, ok := action["action"]; !ok {
			res.errorf("session_initialization.actions.on_startup[%d] must have an %q field", i, "action")
		}
	}
}
