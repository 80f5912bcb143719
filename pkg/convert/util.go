// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package convert

import (
	"encoding/json"
)

// RefOf returns a pointer to the given value.
func RefOf[T any](value T) *T {
	return &value
}

// ToValueWithDefault converts a pointer to a value type.
// If the ptr is nil returns the default value, otherwise the value of the pointer.
func ToValueWithDefault[T any](ptr *T, defaultValue T) T {
	if ptr == nil {
		return defaultValue
	}

	if str, ok := any(ptr).(*string); ok && *str == "" {
		return defaultValue
	}

	return *ptr
}

// ToRawMessage marshals the specified value into a raw JSON document,
// returning nil for nil or empty values.
func ToRawMessage(value any) json.RawMessage {
	if value == nil {
		return nil
	}

	jsonValue, err := json.Marshal(value)
	if err != nil {
		return nil
	}

	if string(jsonValue) == "null" || string(jsonValue) == "{}" {
		return nil
	}

	return jsonValue
}
