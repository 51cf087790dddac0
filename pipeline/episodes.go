package pipeline

import (
	"sort"
	"strconv"
	"strings"
)

// maxRangeSpan bounds how many episodes a single range token may cover, so a
// hostile expression like "1-2000000000" cannot balloon memory. Discarded
// tokens are treated like any other unusable entry.
const maxRangeSpan = 1000

// ParseEpisodes extracts the set of episode numbers from a raw expression.
// The expression may mix individual numbers and inclusive range tokens ("3-5"),
// separated by commas and/or whitespace. Non-numeric, non-positive, and
// oversized-range entries are discarded. The result is sorted ascending with
// duplicates removed.
func ParseEpisodes(s string) []int {
	seen := map[int]struct{}{}
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' }) {
		if start, end, ok := strings.Cut(tok, "-"); ok {
			a, errA := strconv.Atoi(strings.TrimSpace(start))
			b, errB := strconv.Atoi(strings.TrimSpace(end))
			if errA != nil || errB != nil || a < 1 || b < a || b-a+1 > maxRangeSpan {
				continue
			}
			for n := a; n <= b; n++ {
				seen[n] = struct{}{}
			}
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil || n < 1 {
			continue
		}
		seen[n] = struct{}{}
	}
	nums := make([]int, 0, len(seen))
	for n := range seen {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// CollapseEpisodes renders a set of episode numbers as the canonical range
// expression: sorted ascending, consecutive numbers collapsed into "start-end"
// tokens, singletons standalone, all joined with commas. The same set always
// yields the same string regardless of input order or duplicates.
func CollapseEpisodes(nums []int) string {
	set := map[int]struct{}{}
	for _, n := range nums {
		if n > 0 {
			set[n] = struct{}{}
		}
	}
	sorted := make([]int, 0, len(set))
	for n := range set {
		sorted = append(sorted, n)
	}
	sort.Ints(sorted)

	var tokens []string
	for i := 0; i < len(sorted); {
		start := sorted[i]
		end := start
		for i++; i < len(sorted) && sorted[i] == end+1; i++ {
			end = sorted[i]
		}
		if start == end {
			tokens = append(tokens, strconv.Itoa(start))
		} else {
			tokens = append(tokens, strconv.Itoa(start)+"-"+strconv.Itoa(end))
		}
	}
	return strings.Join(tokens, ",")
}

// NormalizeEpisodes parses a raw episode expression and re-renders it in
// canonical form. An expression with no usable entries yields "".
func NormalizeEpisodes(s string) string {
	return CollapseEpisodes(ParseEpisodes(s))
}
