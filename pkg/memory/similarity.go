package memory

import "strings"

// Tokenize lower-cases s and splits it on whitespace.
func Tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// Similarity is the Jaccard index of the token sets of a and b, in [0,1].
// It is 0 when either side has no tokens.
func Similarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	if len(setA) > len(setB) {
		setA, setB = setB, setA
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	toks := Tokenize(s)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// Trigrams returns every overlapping 3-token window of s, lower-cased.
// Messages with fewer than three tokens yield nothing.
func Trigrams(s string) []string {
	toks := Tokenize(s)
	if len(toks) < 3 {
		return nil
	}
	out := make([]string, 0, len(toks)-2)
	for i := 0; i+3 <= len(toks); i++ {
		out = append(out, strings.Join(toks[i:i+3], " "))
	}
	return out
}
