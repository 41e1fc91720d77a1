package chervil

import "strings"

// closestName returns the candidate nearest to input by edit distance, or
// "" when nothing is close enough to be a plausible typo. The allowed
// distance scales with the input length so short names only match near-hits.
func closestName(input string, candidates []string) string {
	if len(input) == 0 || len(candidates) == 0 {
		return ""
	}

	inputLower := strings.ToLower(input)

	var best string
	bestDist := -1
	for _, cand := range candidates {
		dist := editDistance(inputLower, strings.ToLower(cand))
		if bestDist == -1 || dist < bestDist {
			bestDist = dist
			best = cand
		}
	}

	threshold := 1
	if len(input) >= 4 && len(input) <= 6 {
		threshold = 2
	} else if len(input) >= 7 {
		threshold = 3
	}

	if bestDist <= 0 || bestDist > threshold {
		return ""
	}
	return best
}

// suggestSuffix formats a "did you mean" fragment for error messages, or ""
// when there is no worthwhile suggestion.
func suggestSuffix(input string, candidates []string) string {
	if match := closestName(input, candidates); match != "" {
		return ", did you mean '" + match + "'?"
	}
	return ""
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			matrix[i][j] = min(
				matrix[i-1][j]+1,
				matrix[i][j-1]+1,
				matrix[i-1][j-1]+cost,
			)
		}
	}

	return matrix[len(a)][len(b)]
}
