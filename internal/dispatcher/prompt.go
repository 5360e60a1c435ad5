package dispatcher

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/orkestra/internal/models"
)

// buildPrompt renders the assignment prompt: the task itself followed by
// the outputs of the tasks it depends on.
func buildPrompt(task models.Task, deps []models.Task) string {
	var sb strings.Builder

	sb.WriteString("## Task\n\n")
	sb.WriteString(task.Title)
	sb.WriteString("\n\n")
	sb.WriteString(task.Description)
	sb.WriteString("\n\n")

	var upstream []models.Task
	for _, d := range deps {
		if d.State == models.TaskCompleted && d.Output != "" {
			upstream = append(upstream, d)
		}
	}
	if len(upstream) > 0 {
		sb.WriteString("## Context from Previous Tasks\n\n")
		for _, d := range upstream {
			fmt.Fprintf(&sb, "### Output from %s (%s)\n\n%s\n\n", d.Title, d.Capability, d.Output)
		}
	}

	return strings.TrimRight(sb.String(), "\n") + "\n"
}
