// Package policy holds the per-process session volume policies.
package policy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"audioguard/internal/domain"
)

// Rule binds a process name to a policy. Volume is a fraction in [0,1].
type Rule struct {
	Process  string
	Strategy domain.VolumeStrategy
	Volume   float64
}

// Table implements domain.PolicyLookup. Process names match case-insensitively
// and with or without an executable extension. The rule set is swapped
// atomically so lookups never block a reload.
type Table struct {
	rules atomic.Pointer[map[string]Rule]
}

var _ domain.PolicyLookup = (*Table)(nil)

// NewTable builds a table from rules.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{}
	if err := t.Replace(rules); err != nil {
		return nil, err
	}
	return t, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Replace validates rules and swaps them in. On error the table is unchanged.
func (t *Table) Replace(rules []Rule) error {
	next := make(map[string]Rule, len(rules))
	for _, r := range rules {
		key := normalize(r.Process)
		if key == "" {
			return fmt.Errorf("policy rule without process name")
		}
		if err := domain.CheckFraction(r.Volume); err != nil {
			return fmt.Errorf("policy for %s: %w", r.Process, err)
		}
		if _, dup := next[key]; dup {
			return fmt.Errorf("duplicate policy for %s", r.Process)
		}
		next[key] = r
	}
	t.rules.Store(&next)
	return nil
}

func (t *Table) PolicyFor(info domain.ProcessInfo) (domain.Policy, bool) {
	rules := t.rules.Load()
	if rules == nil {
		return domain.Policy{}, false
	}
	name := normalize(info.Name)
	r, ok := (*rules)[name]
	if !ok {
		if ext := filepath.Ext(name); ext != "" {
			r, ok = (*rules)[strings.TrimSuffix(name, ext)]
		}
	}
	if !ok {
		for key, rule := range *rules {
			if strings.TrimSuffix(key, filepath.Ext(key)) == name {
				r, ok = rule, true
				break
			}
		}
	}
	if !ok {
		return domain.Policy{}, false
	}
	return domain.Policy{Strategy: r.Strategy, Volume: r.Volume}, true
}

// Rules returns the current rules sorted by process name.
func (t *Table) Rules() []Rule {
	rules := t.rules.Load()
	if rules == nil {
		return nil
	}
	out := make([]Rule, 0, len(*rules))
	for _, r := range *rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return normalize(out[i].Process) < normalize(out[j].Process) })
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if rules := t.rules.Load(); rules != nil {
		return len(*rules)
	}
	return 0
}
