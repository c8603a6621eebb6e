package pattern

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderRegex = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Runtime variables are filled from the inbound event at render time.
const (
	VarConversationID = "conversation_id"
	VarPhone          = "phone"
	VarDate           = "date"
	VarTime           = "time"
)

// runtimeVariables never need a stored value.
var runtimeVariables = map[string]bool{
	VarConversationID: true,
	VarPhone:          true,
	VarDate:           true,
	VarTime:           true,
}

// slotVariables are literal values lifted out of an operator reply. A
// template using one must carry its value in TemplateVariables.
var slotVariables = map[string]bool{
	"url":      true,
	"price":    true,
	"amount":   true,
	"location": true,
	"hours":    true,
	"email":    true,
	"contact":  true,
	"code":     true,
	"item":     true,
	"duration": true,
	"name":     true,
}

// KnownVariables returns every placeholder name a template may use, sorted.
func KnownVariables() []string {
	names := make([]string, 0, len(runtimeVariables)+len(slotVariables))
	for k := range runtimeVariables {
		names = append(names, k)
	}
	for k := range slotVariables {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsKnownVariable reports whether name is a runtime or slot variable.
func IsKnownVariable(name string) bool {
	return runtimeVariables[name] || slotVariables[name]
}

// Placeholders lists the distinct placeholder names in template, in order of
// first appearance.
func Placeholders(template string) []string {
	matches := placeholderRegex.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// ValidateTemplate checks that every placeholder resolves: runtime variables
// always do, slot variables need a non-empty value in vars.
func ValidateTemplate(template string, vars map[string]string) error {
	for _, name := range Placeholders(template) {
		if !IsKnownVariable(name) {
			return NewValidationError("response_template", "unknown placeholder {%s}", name)
		}
		if slotVariables[name] && strings.TrimSpace(vars[name]) == "" {
			return NewValidationError("response_template", "placeholder {%s} has no value", name)
		}
	}
	for name := range vars {
		if !slotVariables[name] {
			return NewValidationError("template_variables", "unknown slot variable %q", name)
		}
	}
	return nil
}

// Render substitutes placeholders using the pattern's stored slot values,
// overlaid with runtime values. Any placeholder left unresolved is an error
// so a half-rendered reply is never sent.
func Render(template string, vars, runtime map[string]string) (string, error) {
	var missing []string
	out := placeholderRegex.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := runtime[name]; ok && v != "" {
			return v
		}
		if v, ok := vars[name]; ok && v != "" {
			return v
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", NewValidationError("response_template", "unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Render renders the pattern's response template.
func (p *Pattern) Render(runtime map[string]string) (string, error) {
	out, err := Render(p.ResponseTemplate, p.TemplateVariables, runtime)
	if err != nil {
		return "", fmt.Errorf("rendering pattern %s: %w", p.ID, err)
	}
	return out, nil
}
