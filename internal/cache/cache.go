// Package cache holds short-lived copies of remote results so repeated
// reads do not start a new remote job.
package cache

// Cache is a keyed store with expiry.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Purge()
	Len() int
}

var _ Cache[struct{}] = (*LRU[struct{}])(nil)
