package critical

import (
	"fmt"
	"strings"
	"time"
)

// ObjectKind distinguishes the two families of content objects.
type ObjectKind string

const (
	// KindPost is a post-like object (posts, pages, custom post types)
	KindPost ObjectKind = "post"

	// KindTerm is a taxonomy term (categories, tags, custom taxonomies)
	KindTerm ObjectKind = "term"
)

// Validate checks that the kind is one of the known object kinds.
func (k ObjectKind) Validate() error {
	switch k {
	case KindPost, KindTerm:
		return nil
	default:
		return fmt.Errorf("invalid object kind: %q (must be 'post' or 'term')", string(k))
	}
}

// Object is a content object produced by the content store adapter.
// The set of implementations is closed: Post and Term.
type Object interface {
	Kind() ObjectKind
	ID() string
	// TypeName is the post type for posts and the taxonomy for terms.
	TypeName() string
	URL() string

	object()
}

// Post is a post-like content object.
type Post struct {
	PostID    string
	PostType  string
	Template  string // page template identifier, empty when the default template is used
	Permalink string
}

func (p Post) Kind() ObjectKind { return KindPost }
func (p Post) ID() string       { return p.PostID }
func (p Post) TypeName() string { return p.PostType }
func (p Post) URL() string      { return p.Permalink }
func (Post) object()            {}

// Term is a taxonomy term content object.
type Term struct {
	TermID   string
	Taxonomy string
	Link     string
}

func (t Term) Kind() ObjectKind { return KindTerm }
func (t Term) ID() string       { return t.TermID }
func (t Term) TypeName() string { return t.Taxonomy }
func (t Term) URL() string      { return t.Link }
func (Term) object()            {}

// ObjectRecord is the flat wire and storage form of an Object.
type ObjectRecord struct {
	Kind         ObjectKind `json:"kind"`
	ID           string     `json:"id"`
	TypeName     string     `json:"type_name"`
	TemplateName string     `json:"template_name,omitempty"`
	URL          string     `json:"url,omitempty"`
}

// Validate checks the required fields of a record.
func (r ObjectRecord) Validate() error {
	if err := r.Kind.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("object id is required")
	}
	if r.TypeName == "" {
		return fmt.Errorf("object type_name is required")
	}
	if r.Kind == KindTerm && r.TemplateName != "" {
		return fmt.Errorf("terms do not carry a template_name")
	}
	return nil
}

// Object converts the record into its typed variant.
func (r ObjectRecord) Object() (Object, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Kind == KindTerm {
		return Term{TermID: r.ID, Taxonomy: r.TypeName, Link: r.URL}, nil
	}
	return Post{PostID: r.ID, PostType: r.TypeName, Template: r.TemplateName, Permalink: r.URL}, nil
}

// Ref returns the "{kind}:{id}" reference used in catalog indexes.
func (r ObjectRecord) Ref() string {
	return ObjectRef(r.Kind, r.ID)
}

// RecordOf flattens an Object into its record form.
func RecordOf(o Object) ObjectRecord {
	rec := ObjectRecord{
		Kind:     o.Kind(),
		ID:       o.ID(),
		TypeName: o.TypeName(),
		URL:      o.URL(),
	}
	if p, ok := o.(Post); ok {
		rec.TemplateName = p.Template
	}
	return rec
}

// ObjectRef builds the "{kind}:{id}" reference for an object.
func ObjectRef(kind ObjectKind, id string) string {
	return string(kind) + ":" + id
}

// ParseObjectRef splits a "{kind}:{id}" reference.
func ParseObjectRef(ref string) (ObjectKind, string, error) {
	kind, id, ok := strings.Cut(ref, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("invalid object reference: %q", ref)
	}
	k := ObjectKind(kind)
	if err := k.Validate(); err != nil {
		return "", "", err
	}
	return k, id, nil
}

// RuleType selects where a rule's critical CSS is stored.
type RuleType string

const (
	// RuleIndividual stores critical CSS on each matching object
	RuleIndividual RuleType = "individual"

	// RuleShared stores critical CSS once per matched rule value
	RuleShared RuleType = "shared"
)

// RuleKind is the object attribute a rule matches on.
type RuleKind string

const (
	// RuleKindPostType matches a post's type
	RuleKindPostType RuleKind = "post_type"

	// RuleKindTaxonomy matches a term's taxonomy
	RuleKindTaxonomy RuleKind = "taxonomy"

	// RuleKindTemplate matches a post's page template
	RuleKindTemplate RuleKind = "template"
)

// Rule is one ordered entry of the rule configuration.
type Rule struct {
	Type       RuleType `yaml:"rule_type" json:"rule_type"`
	ObjectKind RuleKind `yaml:"object_kind" json:"object_kind"`
	Values     []string `yaml:"values" json:"values"`
}

// Validate checks the rule's enums and values.
func (r Rule) Validate() error {
	if r.Type != RuleIndividual && r.Type != RuleShared {
		return fmt.Errorf("invalid rule_type: %q (must be 'individual' or 'shared')", string(r.Type))
	}
	switch r.ObjectKind {
	case RuleKindPostType, RuleKindTaxonomy, RuleKindTemplate:
	default:
		return fmt.Errorf("invalid object_kind: %q (must be 'post_type', 'taxonomy', or 'template')", string(r.ObjectKind))
	}
	if len(r.Values) == 0 {
		return fmt.Errorf("rule has no values for object_kind %q", string(r.ObjectKind))
	}
	for _, v := range r.Values {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("rule for object_kind %q contains an empty value", string(r.ObjectKind))
		}
	}
	return nil
}

// Contains reports whether value is one of the rule's values.
func (r Rule) Contains(value string) bool {
	if value == "" {
		return false
	}
	for _, v := range r.Values {
		if v == value {
			return true
		}
	}
	return false
}

// RuleSet is the versioned, ordered rule configuration. Order is significant:
// the first matching rule wins.
type RuleSet struct {
	Revision int    `yaml:"revision" json:"revision"`
	Rules    []Rule `yaml:"entries" json:"entries"`
}

// Shared returns the shared rules in configured order.
func (s RuleSet) Shared() []Rule {
	var shared []Rule
	for _, r := range s.Rules {
		if r.Type == RuleShared {
			shared = append(shared, r)
		}
	}
	return shared
}

// TargetScope says where a resolved target's CSS lives.
type TargetScope string

const (
	// ScopeObject stores CSS as a field of the content object
	ScopeObject TargetScope = "object"

	// ScopeShared stores CSS in the shared cache
	ScopeShared TargetScope = "shared"
)

// Target is the result of rule resolution.
type Target struct {
	Scope TargetScope `json:"scope"`

	// Set for ScopeObject
	ObjectKind ObjectKind `json:"object_kind,omitempty"`
	ObjectID   string     `json:"object_id,omitempty"`

	// Set for ScopeShared
	RuleKind RuleKind `json:"rule_kind,omitempty"`
	Key      string   `json:"key,omitempty"`
}

// ObjectField returns a target that stores CSS on the object itself.
func ObjectField(kind ObjectKind, id string) Target {
	return Target{Scope: ScopeObject, ObjectKind: kind, ObjectID: id}
}

// SharedCache returns a target that stores CSS under the shared key for (kind, value).
func SharedCache(kind RuleKind, value string) Target {
	return Target{Scope: ScopeShared, RuleKind: kind, Key: SharedKey(kind, value)}
}

// SharedKey derives the shared cache key for a rule dimension and value.
// Pattern: {object_kind}:{value}
func SharedKey(kind RuleKind, value string) string {
	return string(kind) + ":" + value
}

// CorrelationType is the object_type echoed through the generation service.
func (t Target) CorrelationType() string {
	if t.Scope == ScopeShared {
		return string(t.RuleKind)
	}
	return string(t.ObjectKind)
}

// CorrelationID is the object_id echoed through the generation service.
func (t Target) CorrelationID() string {
	if t.Scope == ScopeShared {
		return t.Key
	}
	return t.ObjectID
}

func (t Target) String() string {
	if t.Scope == ScopeShared {
		return fmt.Sprintf("SharedCache(%s)", t.Key)
	}
	return fmt.Sprintf("ObjectField(%s, %s)", t.ObjectKind, t.ObjectID)
}

// SharedEntry is critical CSS shared by every object matching a rule value.
type SharedEntry struct {
	Key       string    `json:"key"`
	CSS       string    `json:"css"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the entry needs regeneration at now.
func (e *SharedEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Token binds one dispatched generation job to the single callback allowed to fulfil it.
type Token struct {
	Value      string    `json:"token"`
	ObjectType string    `json:"object_type"`
	ObjectID   string    `json:"object_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Matches reports whether the token was issued for (objectType, objectID).
func (t *Token) Matches(objectType, objectID string) bool {
	return t.ObjectType == objectType && t.ObjectID == objectID
}
