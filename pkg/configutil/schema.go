package configutil

import (
	"fmt"
	"sort"
	"strings"
)

// Sections lists the top-level keys a config file may carry.
type Sections []string

// Check reports every key in keys that is not an allowed section. Keys are
// compared case, underscore and hyphen insensitively.
func (s Sections) Check(keys []string) error {
	allowed := make(map[string]struct{}, len(s))
	for _, k := range s {
		allowed[normalizeKey(k)] = struct{}{}
	}
	seen := make(map[string]struct{}, len(keys))
	var unknown []string
	for _, k := range keys {
		nk := normalizeKey(k)
		if _, ok := allowed[nk]; ok {
			continue
		}
		if _, dup := seen[nk]; dup {
			continue
		}
		seen[nk] = struct{}{}
		unknown = append(unknown, k)
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown config sections: %s", strings.Join(unknown, ", "))
}
