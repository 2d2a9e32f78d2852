package evaluation

import (
	"strings"
	"unicode"
)

// RougeScores holds the f-measures for a prediction/reference pair.
type RougeScores struct {
	Rouge1 float64 `json:"rouge1"`
	Rouge2 float64 `json:"rouge2"`
	RougeL float64 `json:"rougeL"`
}

// tokenize lowercases the text and splits it on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func ngrams(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], " ")]++
	}
	return counts
}

func fmeasure(matches, predCount, refCount int) float64 {
	if matches == 0 || predCount == 0 || refCount == 0 {
		return 0
	}
	precision := float64(matches) / float64(predCount)
	recall := float64(matches) / float64(refCount)
	return 2 * precision * recall / (precision + recall)
}

func rougeN(pred, ref []string, n int) float64 {
	predGrams := ngrams(pred, n)
	refGrams := ngrams(ref, n)

	matches := 0
	for gram, count := range predGrams {
		if refCount, ok := refGrams[gram]; ok {
			matches += min(count, refCount)
		}
	}

	predTotal := max(len(pred)-n+1, 0)
	refTotal := max(len(ref)-n+1, 0)
	return fmeasure(matches, predTotal, refTotal)
}

// lcs returns the length of the longest common subsequence of the two
// token slices.
func lcs(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else {
				curr[j] = max(prev[j], curr[j-1])
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// Score computes ROUGE-1, ROUGE-2, and ROUGE-L f-measures for a single
// prediction against its reference.
func Score(prediction, reference string) RougeScores {
	pred := tokenize(prediction)
	ref := tokenize(reference)

	return RougeScores{
		Rouge1: rougeN(pred, ref, 1),
		Rouge2: rougeN(pred, ref, 2),
		RougeL: fmeasure(lcs(pred, ref), len(pred), len(ref)),
	}
}

// MeanScores averages per-record scores. Returns zeros for an empty slice.
func MeanScores(scores []RougeScores) RougeScores {
	if len(scores) == 0 {
		return RougeScores{}
	}

	var sum RougeScores
	for _, s := range scores {
		sum.Rouge1 += s.Rouge1
		sum.Rouge2 += s.Rouge2
		sum.RougeL += s.RougeL
	}

	n := float64(len(scores))
	return RougeScores{
		Rouge1: sum.Rouge1 / n,
		Rouge2: sum.Rouge2 / n,
		RougeL: sum.RougeL / n,
	}
}
