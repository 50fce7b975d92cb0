package util

// Ptr returns a pointer to v. Handy for building pointers to literals in
// option structs and tests.
func Ptr[T any](v T) *T {
	return &v
}
