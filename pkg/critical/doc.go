// Package critical provides the shared domain types and the Redis-backed store
// for critical CSS orchestration.
//
// # Overview
//
// Content objects (posts and taxonomy terms) are resolved against an ordered list
// of rules to a storage target. A target is either the object itself, where the
// generated CSS is kept as a field of the object, or a shared cache entry keyed by
// the rule dimension that matched (a post type, a taxonomy or a template).
//
// The store keeps four kinds of records, all namespaced so several sites can share
// one Redis server:
//
//	ccss:{namespace}:object:{kind}:{id}            hash: catalogued object + critical_css field
//	ccss:{namespace}:catalog:{rule_kind}:{value}   zset: object refs scored by save time
//	ccss:{namespace}:shared:{key}                  hash: shared critical CSS + expires_at_ms
//	ccss:{namespace}:shared_keys                   set:  every shared key ever written
//	ccss:{namespace}:csrf:{token}                  hash: callback token, expires via Redis TTL
//
// # Usage Example
//
//	client, err := critical.NewClient(&redis.Options{Addr: "localhost:6379"}, "default")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	post := critical.Post{PostID: "42", PostType: "post", Permalink: "https://example.edu/news/42/"}
//	if err := client.SaveObject(ctx, critical.RecordOf(post), time.Now()); err != nil {
//		log.Fatal(err)
//	}
package critical
