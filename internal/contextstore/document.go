// Package contextstore implements the context rule store: a directory of
// JSON context documents loaded into memory, validated and atomically
// persisted with backup-before-write semantics, resolved by tool identifier,
// and consulted for ordered auto-correction rules.
package contextstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Metadata is the store-populated bookkeeping section of a document.
type Metadata struct {
	Version           string   `json:"version,omitempty"`
	LastUpdated       string   `json:"last_updated,omitempty"`
	CreatedBy         string   `json:"created_by,omitempty"`
	AppliesToTools    []string `json:"applies_to_tools,omitempty"`
	Priority          string   `json:"priority,omitempty"`
	OptimizationCount int      `json:"optimization_count,omitempty"`
}

// CorrectionRule is a single auto-correction: a regex pattern and its
// replacement. Replacement is a pointer so that an entry missing the key can
// be told apart from an explicit empty-string replacement (which deletes the
// matched text).
type CorrectionRule struct {
	Pattern     string  `json:"pattern,omitempty"`
	Replacement *string `json:"replacement,omitempty"`
}

// StartupAction is one declared session-initialization action.
type StartupAction struct {
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Description string         `json:"description,omitempty"`
}

// SessionActions groups the ordered action lists of a document.
type SessionActions struct {
	OnStartup []StartupAction `json:"on_startup,omitempty"`
}

// SessionInit declares startup actions for a document.
type SessionInit struct {
	Enabled bool           `json:"enabled"`
	Actions SessionActions `json:"actions"`
}

// Corrections is an insertion-ordered map of correction name to rule.
// Order is significant: earlier-declared rules run first and their output
// feeds the next rule.
type Corrections = orderedmap.OrderedMap[string, CorrectionRule]

// Document is a named record of rules and preferences for a tool category.
// Fields the store inspects are typed; SyntaxRules, Preferences, and the
// trigger sections stay free-form, and unknown top-level keys survive
// round-trips in Extra.
type Document struct {
	ToolCategory     string
	Description      string
	AutoConvert      bool
	SyntaxRules      map[string]any
	Preferences      map[string]any
	AutoCorrections  *Corrections
	SessionInit      *SessionInit
	StoreTriggers    map[string]any
	RetrieveTriggers map[string]any
	Metadata         *Metadata
	Extra            map[string]json.RawMessage
}

// Top-level keys the Document struct models itself. Everything else lands
// in Extra.
var knownKeys = map[string]bool{
	"tool_category":          true,
	"description":            true,
	"auto_convert":           true,
	"syntax_rules":           true,
	"preferences":            true,
	"auto_corrections":       true,
	"session_initialization": true,
	"auto_store_triggers":    true,
	"auto_retrieve_triggers": true,
	"metadata":               true,
}

// Canonical key order for on-disk files: identifying fields first, then the
// rule sections, metadata last.
var keyOrder = []string{
	"tool_category",
	"description",
	"auto_convert",
	"syntax_rules",
	"preferences",
	"auto_corrections",
	"session_initialization",
	"auto_store_triggers",
	"auto_retrieve_triggers",
	"metadata",
}

// docFromRaw builds a Document from a decoded top-level JSON object.
func docFromRaw(raw map[string]json.RawMessage) (*Document, error) {
	d := &Document{}
	for key, val := range raw {
		var err error
		switch key {
		case "tool_category":
			err = json.Unmarshal(val, &d.ToolCategory)
		case "description":
			err = json.Unmarshal(val, &d.Description)
		case "auto_convert":
			err = json.Unmarshal(val, &d.AutoConvert)
		case "syntax_rules":
			err = json.Unmarshal(val, &d.SyntaxRules)
		case "preferences":
			err = json.Unmarshal(val, &d.Preferences)
		case "auto_corrections":
			c := orderedmap.New[string, CorrectionRule]()
			if err = json.Unmarshal(val, c); err == nil {
				d.AutoCorrections = c
			}
		case "session_initialization":
			d.SessionInit = &SessionInit{}
			err = json.Unmarshal(val, d.SessionInit)
		case "auto_store_triggers":
			err = json.Unmarshal(val, &d.StoreTriggers)
		case "auto_retrieve_triggers":
			err = json.Unmarshal(val, &d.RetrieveTriggers)
		case "metadata":
			d.Metadata = &Metadata{}
			err = json.Unmarshal(val, d.Metadata)
		default:
			if d.Extra == nil {
				d.Extra = map[string]json.RawMessage{}
			}
			d.Extra[key] = val
		}
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
	}
	return d, nil
}

// UnmarshalJSON decodes a document, routing unknown keys into Extra.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	doc, err := docFromRaw(raw)
	if err != nil {
		return err
	}
	*d = *doc
	return nil
}

// rawMap flattens the document back into a top-level JSON object. Only set
// fields are emitted, so a document round-trips without gaining keys.
func (d *Document) rawMap() (map[string]json.RawMessage, error) {
	raw := map[string]json.RawMessage{}
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %q: %w", key, err)
		}
		raw[key] = b
		return nil
	}

	if err := put("tool_category", d.ToolCategory); err != nil {
		return nil, err
	}
	if err := put("description", d.Description); err != nil {
		return nil, err
	}
	if d.AutoConvert {
		if err := put("auto_convert", d.AutoConvert); err != nil {
			return nil, err
		}
	}
	if d.SyntaxRules != nil {
		if err := put("syntax_rules", d.SyntaxRules); err != nil {
			return nil, err
		}
	}
	if d.Preferences != nil {
		if err := put("preferences", d.Preferences); err != nil {
			return nil, err
		}
	}
	if d.AutoCorrections != nil {
		if err := put("auto_corrections", d.AutoCorrections); err != nil {
			return nil, err
		}
	}
	if d.SessionInit != nil {
		if err := put("session_initialization", d.SessionInit); err != nil {
			return nil, err
		}
	}
	if d.StoreTriggers != nil {
		if err := put("auto_store_triggers", d.StoreTriggers); err != nil {
			return nil, err
		}
	}
	if d.RetrieveTriggers != nil {
		if err := put("auto_retrieve_triggers", d.RetrieveTriggers); err != nil {
			return nil, err
		}
	}
	if d.Metadata != nil {
		if err := put("metadata", d.Metadata); err != nil {
			return nil, err
		}
	}
	for key, val := range d.Extra {
		raw[key] = val
	}
	return raw, nil
}

// MarshalJSON encodes the document with known keys in canonical order and
// extra keys sorted after them.
func (d *Document) MarshalJSON() ([]byte, error) {
	raw, err := d.rawMap()
	if err != nil {
		return nil, err
	}
	return marshalOrdered(raw)
}

// marshalOrdered writes a top-level object with deterministic key order:
// canonical document keys first, remaining keys sorted.
func marshalOrdered(raw map[string]json.RawMessage) ([]byte, error) {
	var keys []string
	for _, k := range keyOrder {
		if _, ok := raw[k]; ok {
			keys = append(keys, k)
		}
	}
	var extras []string
	for k := range raw {
		if !knownKeys[k] {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	keys = append(keys, extras...)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(raw[k])
	}
	buf.WriteByte('}')

	// Re-indent for human-editable files.
	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
