package critical

import "fmt"

// Redis key pattern helpers
//
// Every key is namespaced so several sites can share one Redis server.
// Key pattern: ccss:{namespace}:{entity}:{id}

// ObjectKey returns the Redis key for a catalogued content object.
// Pattern: ccss:{namespace}:object:{kind}:{id}
func ObjectKey(namespace string, kind ObjectKind, id string) string {
	return fmt.Sprintf("ccss:%s:object:%s:%s", namespace, kind, id)
}

// CatalogIndexKey returns the Redis key for the object index of one rule value.
// The ZSET holds object refs scored by their last save time in milliseconds.
// Pattern: ccss:{namespace}:catalog:{rule_kind}:{value}
func CatalogIndexKey(namespace string, kind RuleKind, value string) string {
	return fmt.Sprintf("ccss:%s:catalog:%s:%s", namespace, kind, value)
}

// SharedEntryKey returns the Redis key for a shared critical CSS entry.
// Pattern: ccss:{namespace}:shared:{key}
func SharedEntryKey(namespace, key string) string {
	return fmt.Sprintf("ccss:%s:shared:%s", namespace, key)
}

// SharedKeysKey returns the Redis key for the set of known shared keys.
// Pattern: ccss:{namespace}:shared_keys
func SharedKeysKey(namespace string) string {
	return fmt.Sprintf("ccss:%s:shared_keys", namespace)
}

// TokenKey returns the Redis key for a callback token.
// Pattern: ccss:{namespace}:csrf:{token}
func TokenKey(namespace, token string) string {
	return fmt.Sprintf("ccss:%s:csrf:%s", namespace, token)
}

// catalogDim is one (rule kind, value) pair an object is indexed under.
type catalogDim struct {
	kind  RuleKind
	value string
}

// catalogDimensions lists the index entries for an object record.
func catalogDimensions(rec ObjectRecord) []catalogDim {
	if rec.Kind == KindTerm {
		return []catalogDim{{RuleKindTaxonomy, rec.TypeName}}
	}
	dims := []catalogDim{{RuleKindPostType, rec.TypeName}}
	if rec.TemplateName != "" {
		dims = append(dims, catalogDim{RuleKindTemplate, rec.TemplateName})
	}
	return dims
}
