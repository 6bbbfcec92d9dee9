// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package hosts

import (
	"encoding/json"
	"slices"

	"github.com/cobaltcore-dev/reservoir/internal/manager"
)

// Operators understood by requirement atoms. "=" is normalized to "==".
var operators = []string{"==", "=", "!=", ">=", "<=", ">", "<"}

// ConvertRequirements translates a requirements expression into filter
// strings of the form "key op value". The expression is either a JSON
// string or its already-parsed form: a three-element [op, "$key", value]
// atom, an ["and", expr, ...] conjunction, or the empty list which
// matches every host.
func ConvertRequirements(requirements any) ([]string, error) {
	if text, ok := requirements.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return nil, manager.NewMalformedRequirements(requirements)
		}
		requirements = parsed
	}
	list, ok := requirements.([]any)
	if !ok {
		return nil, manager.NewMalformedRequirements(requirements)
	}
	if filter, ok := atomFilter(list); ok {
		return []string{filter}, nil
	}
	if len(list) > 1 {
		if keyword, ok := list[0].(string); ok && keyword == "and" {
			filters := make([]string, 0, len(list)-1)
			for _, sub := range list[1:] {
				converted, err := ConvertRequirements(sub)
				if err != nil {
					return nil, err
				}
				if len(converted) == 0 {
					return nil, manager.NewMalformedRequirements(requirements)
				}
				// Nested conjunctions contribute only their first filter.
				filters = append(filters, converted[0])
			}
			return filters, nil
		}
	}
	if len(list) == 0 {
		return []string{}, nil
	}
	return nil, manager.NewMalformedRequirements(requirements)
}

// A three-element [op, "$key", value] atom rendered as "key op value".
// The identifier must carry the "$" prefix and the value must be a
// non-empty string.
func atomFilter(list []any) (string, bool) {
	if len(list) != 3 {
		return "", false
	}
	op, okOp := list[0].(string)
	ident, okIdent := list[1].(string)
	literal, okLiteral := list[2].(string)
	if !okOp || !okIdent || !okLiteral {
		return "", false
	}
	if !slices.Contains(operators, op) {
		return "", false
	}
	if len(ident) < 2 || ident[0] != '$' || literal == "" {
		return "", false
	}
	if op == "=" {
		op = "=="
	}
	return ident[1:] + " " + op + " " + literal, true
}
