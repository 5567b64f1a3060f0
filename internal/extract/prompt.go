package extract

import (
	"fmt"
	"strings"
)

// systemPrompt pins the model to extraction only.
const systemPrompt = "You are an assistant that strictly extracts new ideas from transcripts. " +
	"You do NOT generate ideas, only extract them from user speech."

// BuildPrompt renders the user prompt asking for the uses of item mentioned
// in history that are not already covered by known.
func BuildPrompt(item, history string, known []string) string {
	if item == "" {
		item = DefaultTaskItem
	}
	an := article(item)

	var b strings.Builder
	fmt.Fprintf(&b, "Extract alternative uses for %s %s from the following text:\n", an, item)
	b.WriteString(history)
	b.WriteString("\n\nInstructions:\n")
	b.WriteString("1. Extract only the alternative uses explicitly mentioned in the text. " +
		"Do NOT, under any circumstances, add any ideas of your own.\n")
	b.WriteString("2. The extracted ideas must be **realistic and physically feasible**.\n")
	fmt.Fprintf(&b, "   - **Reject ideas that do not involve an actual function of %s %s.**\n", an, item)
	b.WriteString("   - **Reject phrases that are just expressions, insults, or abstract concepts (e.g., 'be a dick').**\n")
	fmt.Fprintf(&b, "   - Example: 'use as a nail' ❌ (%s %s does not function as a nail).\n", an, item)
	fmt.Fprintf(&b, "   - Example: 'turn into a trampoline' ❌ (%s %s does not bounce).\n", an, item)
	b.WriteString("3. Compare with previous ideas:\n")
	b.WriteString(strings.Join(known, ", "))
	b.WriteString("\n   - Do NOT return similar ideas (e.g., 'build a house' ≈ 'build a building').\n")
	b.WriteString("4. If no valid new ideas exist, return: New Ideas: none\n")
	b.WriteString("5. Format response as:\nNew Ideas: idea1, idea2, idea3\n")
	return b.String()
}

func article(noun string) string {
	switch strings.ToLower(noun[:1]) {
	case "a", "e", "i", "o", "u":
		return "an"
	}
	return "a"
}
