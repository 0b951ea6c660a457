package rag

import "strings"

// ReferencesSeparator divides the user's question from the retrieved context.
var ReferencesSeparator = strings.Repeat("=", 55) + " References " + strings.Repeat("=", 70)

// BuildPrompt appends the retrieved context to query under a References
// heading. An empty context yields the query unchanged.
func BuildPrompt(query, context string) string {
	if strings.TrimSpace(context) == "" {
		return query
	}
	return query + "\n" + ReferencesSeparator + "\n" + context
}
