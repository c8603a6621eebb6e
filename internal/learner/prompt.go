package learner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

const promptTemplate = `You review customer support conversations for a venue.
Decide whether the operator's reply answers a question that other customers will ask
again, and if so generalize it into a reusable response template.

Rules:
- Only reusable answers to recurring questions qualify. Replies that depend on one
  customer's booking, account, or situation are not reusable.
- Replace customer-specific details with placeholders in curly braces. Allowed
  placeholders: %s.
- Literal values you lift out of the reply (prices, hours, links, codes) go in
  "template_variables" keyed by placeholder name, and the placeholder goes in the template.
- "pattern_type" is one of: %s.
- "trigger_keywords" are 2-6 short words a customer would use when asking.

Answer with a single JSON object and nothing else:
{"reusable": bool, "pattern_type": string, "trigger_description": string,
 "trigger_keywords": [string], "response_template": string, "template_variables": {string: string}}

Customer message:
%s

Operator reply:
%s
`

func buildPrompt(obs Observation) string {
	types := make([]string, 0, len(pattern.ValidTypes))
	for t := range pattern.ValidTypes {
		types = append(types, t)
	}
	sort.Strings(types)

	vars := pattern.KnownVariables()
	for i, v := range vars {
		vars[i] = "{" + v + "}"
	}

	return fmt.Sprintf(promptTemplate,
		strings.Join(vars, ", "),
		strings.Join(types, ", "),
		strings.TrimSpace(obs.CustomerMessage),
		strings.TrimSpace(obs.OperatorResponse))
}
