package prompt

import "unicode/utf8"

// =============================================================================
// Token Estimation
// =============================================================================
// Budgets are heuristic: one token is taken to be four characters, counted as
// runes so multi-byte prose is not over-charged.

const charsPerToken = 4

// CharCount returns the character length used by maxCharacters budgets.
func CharCount(s string) int {
	return utf8.RuneCountInString(s)
}

// EstimateTokens returns ceil(chars / 4).
func EstimateTokens(s string) int {
	return (CharCount(s) + charsPerToken - 1) / charsPerToken
}
