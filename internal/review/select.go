// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package review

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// SelectFiles narrows the sorted SQL keys to the ones matching patterns
// and keeps the first limit of them. A pattern matches a file when it is a
// case-insensitive substring of, or equal to, the file name (key + ".sql").
// Matches keep pattern order; a file matched twice is kept once. No
// patterns selects every key; patterns matching nothing is an error.
// A limit <= 0 keeps everything.
func SelectFiles(keys, patterns []string, limit int) ([]string, error) {
	selected := keys
	if len(patterns) > 0 {
		seen := mapset.NewThreadUnsafeSet[string]()
		selected = nil
		for _, p := range patterns {
			p = strings.ToLower(p)
			for _, k := range keys {
				name := strings.ToLower(k + ".sql")
				if !strings.Contains(name, p) && name != p {
					continue
				}
				if seen.Contains(k) {
					continue
				}
				seen.Add(k)
				selected = append(selected, k)
			}
		}
		if len(selected) == 0 {
			return nil, fmt.Errorf("no SQL files match the specified patterns: %s", strings.Join(patterns, ", "))
		}
	}
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	return selected, nil
}
