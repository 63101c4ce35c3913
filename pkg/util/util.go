// Package util holds small generic slice helpers shared across packages.
package util

// MapErr maps coll through mapper, stopping at the first error.
func MapErr[A any, B any](coll []A, mapper func(item A, index int) (B, error)) ([]B, error) {
	out := make([]B, len(coll))
	for i, item := range coll {
		v, err := mapper(item, i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Find returns the first element satisfying criteria, or nil.
func Find[A any](coll []*A, criteria func(item *A) bool) *A {
	for _, item := range coll {
		if criteria(item) {
			return item
		}
	}
	return nil
}
