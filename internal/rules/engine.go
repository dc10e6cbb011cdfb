// Package rules resolves content objects to the storage target of their critical CSS.
package rules

import "github.com/dyluth/ccss/pkg/critical"

// Resolve returns the storage target of the first rule in set that matches obj.
// The second return value is false when no rule matches; callers treat that as
// "no critical CSS applies" rather than an error.
//
// Posts match post_type rules on their type and template rules on their page
// template. Terms match taxonomy rules on their taxonomy. Resolve is pure: it
// neither reads nor mutates anything besides its arguments.
func Resolve(obj critical.Object, set critical.RuleSet) (critical.Target, bool) {
	for _, rule := range set.Rules {
		value, ok := matchValue(obj, rule)
		if !ok {
			continue
		}

		switch rule.Type {
		case critical.RuleIndividual:
			return critical.ObjectField(obj.Kind(), obj.ID()), true
		case critical.RuleShared:
			return critical.SharedCache(rule.ObjectKind, value), true
		}
	}

	return critical.Target{}, false
}

// matchValue returns the object attribute a rule compared against, when it matched.
func matchValue(obj critical.Object, rule critical.Rule) (string, bool) {
	var attr string

	switch o := obj.(type) {
	case critical.Post:
		switch rule.ObjectKind {
		case critical.RuleKindPostType:
			attr = o.PostType
		case critical.RuleKindTemplate:
			attr = o.Template
		default:
			return "", false
		}
	case critical.Term:
		if rule.ObjectKind != critical.RuleKindTaxonomy {
			return "", false
		}
		attr = o.Taxonomy
	default:
		return "", false
	}

	if !rule.Contains(attr) {
		return "", false
	}
	return attr, true
}

// SharedTargets expands the shared rules of set into their targets, in rule
// order. A key produced by more than one rule value is returned once.
func SharedTargets(set critical.RuleSet) []critical.Target {
	seen := make(map[string]bool)
	var targets []critical.Target

	for _, rule := range set.Shared() {
		for _, value := range rule.Values {
			target := critical.SharedCache(rule.ObjectKind, value)
			if seen[target.Key] {
				continue
			}
			seen[target.Key] = true
			targets = append(targets, target)
		}
	}

	return targets
}

// ValueOf returns the rule value a shared target was derived from.
func ValueOf(target critical.Target) string {
	prefix := string(target.RuleKind) + ":"
	if len(target.Key) < len(prefix) {
		return ""
	}
	return target.Key[len(prefix):]
}
