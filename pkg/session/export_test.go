package session

// useDetector swaps the package detector and returns a func restoring it.
func useDetector(d *gitDetector) (restore func()) {
	prev := detector
	detector = d
	return func() { detector = prev }
}
