package critical

import (
	"fmt"
	"strconv"
	"time"
)

// Serialization helpers for converting between Go structs and Redis hashes.
//
// Timestamps are stored as Unix milliseconds so they stay readable with redis-cli
// and sortable without parsing.

// ObjectToHash converts an object record to the catalog fields of its Redis hash.
// The critical_css field is deliberately absent so saving an object never clears its CSS.
func ObjectToHash(rec ObjectRecord, savedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"kind":          string(rec.Kind),
		"id":            rec.ID,
		"type_name":     rec.TypeName,
		"template_name": rec.TemplateName,
		"url":           rec.URL,
		"saved_at_ms":   savedAt.UnixMilli(),
	}
}

// HashToObject converts a Redis hash back to an object record.
// Returns an error if the hash only carries a CSS field and no catalog data.
func HashToObject(hash map[string]string) (*ObjectRecord, error) {
	rec := &ObjectRecord{
		Kind:         ObjectKind(hash["kind"]),
		ID:           hash["id"],
		TypeName:     hash["type_name"],
		TemplateName: hash["template_name"],
		URL:          hash["url"],
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid object hash: %w", err)
	}
	return rec, nil
}

// SharedEntryToHash converts a shared entry to its Redis hash form.
func SharedEntryToHash(e *SharedEntry) map[string]interface{} {
	return map[string]interface{}{
		"key":           e.Key,
		"css":           e.CSS,
		"expires_at_ms": e.ExpiresAt.UnixMilli(),
		"updated_at_ms": e.UpdatedAt.UnixMilli(),
	}
}

// HashToSharedEntry converts a Redis hash to a shared entry.
func HashToSharedEntry(hash map[string]string) (*SharedEntry, error) {
	expiresMs, err := strconv.ParseInt(hash["expires_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at_ms field: %w", err)
	}

	// updated_at_ms is informational; older entries may lack it
	updatedMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &SharedEntry{
		Key:       hash["key"],
		CSS:       hash["css"],
		ExpiresAt: time.UnixMilli(expiresMs),
		UpdatedAt: time.UnixMilli(updatedMs),
	}, nil
}

// TokenToHash converts a callback token to its Redis hash form.
func TokenToHash(t *Token) map[string]interface{} {
	return map[string]interface{}{
		"token":         t.Value,
		"object_type":   t.ObjectType,
		"object_id":     t.ObjectID,
		"expires_at_ms": t.ExpiresAt.UnixMilli(),
	}
}

// HashToToken converts a Redis hash to a callback token.
func HashToToken(hash map[string]string) (*Token, error) {
	expiresMs, err := strconv.ParseInt(hash["expires_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at_ms field: %w", err)
	}

	return &Token{
		Value:      hash["token"],
		ObjectType: hash["object_type"],
		ObjectID:   hash["object_id"],
		ExpiresAt:  time.UnixMilli(expiresMs),
	}, nil
}
