// Package scoring computes questionnaire compatibility between two users.
//
// The heuristic is a bag-of-words Jaccard coefficient per answered question,
// averaged over the questions both users answered. It is intentionally crude:
// no stemming, punctuation handling or synonyms.
package scoring

import (
	"slices"
	"strings"

	"github.com/cozy/connections/internal/questionnaire"
)

// NeutralScore is returned by Compatibility when the two users share no
// answered question. It signals missing data, not incompatibility.
const NeutralScore = 0.5

// Tokens returns the set of lowercase, whitespace-delimited tokens in s.
func Tokens(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Similarity returns the Jaccard coefficient of the token sets of a and b,
// in [0,1]. If either side has no tokens the result is 0, including when both
// are empty.
func Similarity(a, b string) float64 {
	ta := Tokens(a)
	tb := Tokens(b)

	union := len(ta)
	shared := 0
	for tok := range tb {
		if _, ok := ta[tok]; ok {
			shared++
		} else {
			union++
		}
	}

	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// Compatibility returns the mean Similarity over the question ids answered
// by both users, or NeutralScore when there is none. When a slice holds more
// than one answer for a question the last one wins.
func Compatibility(a, b []questionnaire.Answer) float64 {
	byQuestionA := answerMap(a)
	byQuestionB := answerMap(b)

	// Sum in question id order so the float result does not depend on map
	// iteration order or on which user is passed first.
	common := make([]int64, 0, len(byQuestionA))
	for qid := range byQuestionA {
		if _, ok := byQuestionB[qid]; ok {
			common = append(common, qid)
		}
	}
	if len(common) == 0 {
		return NeutralScore
	}
	slices.Sort(common)

	var total float64
	for _, qid := range common {
		total += Similarity(byQuestionA[qid], byQuestionB[qid])
	}
	return total / float64(len(common))
}

func answerMap(answers []questionnaire.Answer) map[int64]string {
	m := make(map[int64]string, len(answers))
	for _, a := range answers {
		m[a.QuestionID] = a.Text
	}
	return m
}
