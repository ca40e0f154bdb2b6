package executor

import (
	"fmt"
	"sort"
	"strings"
)

// checkCaseVariantKeys rejects argument maps holding keys that differ only by
// case, such as "path" and "Path". Tool servers that decode arguments case
// insensitively could otherwise act on a value the decision authority never
// saw.
func checkCaseVariantKeys(args map[string]any) error {
	return checkObject(args)
}

func checkObject(obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	seen := make(map[string]string, len(keys))
	for _, key := range keys {
		lower := strings.ToLower(key)
		if original, exists := seen[lower]; exists {
			return fmt.Errorf("found %q and %q (case variants)", original, key)
		}
		seen[lower] = key
	}

	for _, key := range keys {
		if err := checkValue(obj[key]); err != nil {
			return fmt.Errorf("in field %q: %w", key, err)
		}
	}
	return nil
}

func checkValue(v any) error {
	switch v := v.(type) {
	case map[string]any:
		return checkObject(v)
	case []any:
		for i, elem := range v {
			if err := checkValue(elem); err != nil {
				return fmt.Errorf("in array index %d: %w", i, err)
			}
		}
	}
	return nil
}
