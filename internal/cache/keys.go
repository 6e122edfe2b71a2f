package cache

import "strings"

const collectionNamespace = "collection:"

// CollectionKey is the key of the introspection snapshot of a collection's
// table taken while its schema had the given fingerprint
func CollectionKey(collection, fingerprint string) string {
	return CollectionPrefix(collection) + fingerprint
}

// CollectionPrefix is the key prefix shared by all snapshots of a collection
func CollectionPrefix(collection string) string {
	return collectionNamespace + collection + ":"
}

// ParseCollectionKey splits a key built by CollectionKey
func ParseCollectionKey(key string) (collection, fingerprint string, ok bool) {
	rest := strings.TrimPrefix(key, collectionNamespace)
	if rest == key {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
