package llm

// EstimateTokens approximates the token count of a text without a
// tokenizer. The 4-characters-per-token heuristic tracks English prose
// closely enough for cost estimation; actual counts from provider usage
// reports replace estimates once a call completes.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateMessagesTokens sums the token estimate over a message list,
// with a small per-message framing overhead.
func EstimateMessagesTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + 4
	}
	return total
}
