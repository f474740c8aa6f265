package lane

import (
	"fmt"
	"strings"
)

// Attachment names a file handed to a run. The manifest lists attachments in
// the prompt; the executor decides what to do with the paths.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PromptInput carries everything prompt assembly depends on. Assembly is a
// pure function of this struct so the exact prompt for a given run can be
// reproduced in tests.
type PromptInput struct {
	// SystemContext is the lane's configured preamble, if any.
	SystemContext string
	// Lane and PriorMessages render the continuity hint when the lane has
	// history on record.
	Lane          string
	PriorMessages int
	Attachments   []Attachment
	Query         string
}

// AssemblePrompt concatenates the prompt sections in fixed order: system
// context, continuity hint, attachment manifest, then the query. Empty
// sections are omitted entirely, never left as blank separators.
func AssemblePrompt(in PromptInput) string {
	var b strings.Builder

	if ctx := strings.TrimSpace(in.SystemContext); ctx != "" {
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}
	if in.PriorMessages > 0 {
		fmt.Fprintf(&b, "Continuing conversation on lane %q (%d prior messages on record).\n\n", in.Lane, in.PriorMessages)
	}
	if len(in.Attachments) > 0 {
		b.WriteString("Attached files:\n")
		for _, a := range in.Attachments {
			name := a.Name
			if name == "" {
				name = a.Path
			}
			fmt.Fprintf(&b, "- %s: %s\n", name, a.Path)
		}
		b.WriteString("\n")
	}
	b.WriteString(in.Query)

	return b.String()
}
