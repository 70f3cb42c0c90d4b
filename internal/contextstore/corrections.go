package contextstore

import (
	"log"
	"regexp"
)

// SyntaxRules returns the syntax rules for a tool, or an empty map when the
// tool resolves to no document.
func (s *Store) SyntaxRules(toolID string) map[string]any {
	if doc, ok := s.GetByTool(toolID); ok && doc.SyntaxRules != nil {
		return doc.SyntaxRules
	}
	return map[string]any{}
}

// Preferences returns the user preferences for a tool, or an empty map.
func (s *Store) Preferences(toolID string) map[string]any {
	if doc, ok := s.GetByTool(toolID); ok && doc.Preferences != nil {
		return doc.Preferences
	}
	return map[string]any{}
}

// ShouldAutoConvert reports whether auto-conversion is enabled for a tool.
func (s *Store) ShouldAutoConvert(toolID string) bool {
	doc, ok := s.GetByTool(toolID)
	return ok && doc.AutoConvert
}

// ApplyCorrections resolves the owning document for toolID and applies its
// auto-correction rules to text, returning the corrected text. If no
// document or no corrections section is found, text is returned unchanged.
func (s *Store) ApplyCorrections(toolID, text string) string {
	doc, ok := s.GetByTool(toolID)
	if !ok || doc.AutoCorrections == nil {
		return text
	}
	return applyRules(doc.AutoCorrections, text)
}

// applyRules runs every correction rule in stored order. Order is the
// tie-break for overlapping patterns: each rule's output feeds the next.
// Entries missing pattern or replacement are skipped; a pattern that fails
// to compile is logged and skipped so one malformed rule cannot block the
// rest. Patterns are multiline: ^ and $ anchor at line boundaries.
func applyRules(rules *Corrections, text string) string {
	corrected := text
	for pair := rules.Oldest(); pair != nil; pair = pair.Next() {
		rule := pair.Value
		if rule.Pattern == "" || rule.Replacement == nil {
			continue
		}
		re, err := regexp.Compile("(?m)" + rule.Pattern)
		if err != nil {
			log.Printf("[store] correction %q: bad pattern: %v", pair.Key, err)
			continue
		}
		corrected = re.ReplaceAllString(corrected, *rule.Replacement)
	}
	return corrected
}
