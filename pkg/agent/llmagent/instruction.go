// Copyright 2025 The Ensemble Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llmagent

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ensembleworks/ensemble/pkg/agent"
)

// placeholderRe matches {key} and {key?} placeholders. Keys start with a
// letter or underscore and may contain scope prefixes (app:, user:,
// temp:) and dotted paths. Braces around anything else, such as JSON
// examples inside an instruction, are left untouched.
var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.:-]*?)(\?)?\}`)

// resolveTemplate substitutes state values into an instruction template.
// A {key} placeholder with no matching state key is an error; the {key?}
// form resolves to the empty string instead.
func resolveTemplate(state agent.StateReader, text string) (string, error) {
	var missing error

	out := placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		key, optional := groups[1], groups[2] == "?"

		value, err := state.Get(key)
		if err != nil {
			if optional {
				return ""
			}
			if missing == nil {
				missing = fmt.Errorf("instruction placeholder {%s} not found in state", key)
			}
			return match
		}
		return formatStateValue(value)
	})

	if missing != nil {
		return "", missing
	}
	return out, nil
}

// formatStateValue renders a state value for inclusion in an instruction.
// Strings pass through; structured values render as JSON so the model
// sees them the way tools produced them.
func formatStateValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case map[string]any, []any:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
