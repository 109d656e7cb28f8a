package manager

import "fmt"

// DisplayTitles disambiguates titles: every title that occurs more than
// once gets a "#n" suffix numbered left to right. Unique titles are kept
// as is.
func DisplayTitles(titles []string) []string {
	counts := make(map[string]int, len(titles))
	for _, t := range titles {
		counts[t]++
	}
	seen := make(map[string]int, len(counts))
	out := make([]string, len(titles))
	for i, t := range titles {
		if counts[t] < 2 {
			out[i] = t
			continue
		}
		seen[t]++
		out[i] = fmt.Sprintf("%s #%d", t, seen[t])
	}
	return out
}
