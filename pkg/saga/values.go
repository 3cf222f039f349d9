package saga

import (
	"sort"
	"sync"
)

// Values is the shared context of one saga. Every step and compensation of the
// saga sees the same instance. It is safe for concurrent use so status readers
// can snapshot a running saga.
type Values struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewValues copies initial into a fresh Values.
func NewValues(initial map[string]any) *Values {
	m := make(map[string]any, len(initial))
	for k, v := range initial {
		m[k] = v
	}
	return &Values{m: m}
}

// Get returns the value stored under key.
func (v *Values) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	return val, ok
}

// String returns the value under key if it is a non-empty string.
func (v *Values) String(key string) (string, bool) {
	val, ok := v.Get(key)
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok && s != ""
}

// Set stores val under key.
func (v *Values) Set(key string, val any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = val
}

// Delete removes key.
func (v *Values) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.m, key)
}

// Has reports whether key is set.
func (v *Values) Has(key string) bool {
	_, ok := v.Get(key)
	return ok
}

// Len returns the number of keys.
func (v *Values) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.m)
}

// Keys returns the keys in sorted order.
func (v *Values) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a shallow copy of the contents.
func (v *Values) Map() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}
