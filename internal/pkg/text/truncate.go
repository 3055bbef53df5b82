package text

// Truncate caps s at max runes, appending "..." when it had to cut.
// Broker rejection text is Turkish, so the cut must not split a
// multi-byte sequence.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
