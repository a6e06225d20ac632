package util

// Unpack spreads a slice across the given variables, python style.
// If the slice has fewer elements than variables, the leftover variables
// keep their values; extra slice elements are ignored. The repl uses this
// to pull command words apart without counting them first.
// Adjusted from https://stackoverflow.com/a/19832661
func Unpack[T any](toUnpack []T, unpackInto ...*T) {
	n := len(toUnpack)
	if len(unpackInto) < n {
		n = len(unpackInto)
	}
	for i := 0; i < n; i++ {
		*unpackInto[i] = toUnpack[i]
	}
}
