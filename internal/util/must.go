package util

// Must panics on err; for static initialization that cannot fail at runtime.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
