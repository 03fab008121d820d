package execution

import "strings"

// Responder produces model-free replies for direct-mode tasks.
type Responder interface {
	Respond(text string) string
}

// GreetingResponder answers greetings and acknowledgements from a fixed table.
type GreetingResponder struct{}

var greetingTable = []struct {
	words []string
	reply string
}{
	{[]string{"thanks", "thank", "thx", "ty", "appreciate", "cheers"}, "You're welcome!"},
	{[]string{"bye", "later"}, "Talk soon!"},
	{[]string{"hi", "hello", "hey", "yo", "morning", "afternoon", "evening"}, "Hi! How can I help?"},
}

// Respond implements Responder.
func (GreetingResponder) Respond(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z')
	})
	for _, row := range greetingTable {
		for _, w := range words {
			for _, k := range row.words {
				if w == k {
					return row.reply
				}
			}
		}
	}
	return "Got it."
}
