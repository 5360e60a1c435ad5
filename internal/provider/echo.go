package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/orkestra/internal/models"
)

// Echo is the offline provider. It answers with a deterministic summary of
// the prompt so workflows can run without network access.
type Echo struct{}

func (Echo) Generate(ctx context.Context, persona models.Persona, prompt string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify(err)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", &models.ProviderError{Kind: models.ProviderInvalid, Err: fmt.Errorf("empty prompt")}
	}

	first := strings.TrimSpace(prompt)
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			first = line
			break
		}
	}
	name := persona.Name
	if name == "" {
		name = "agent"
	}
	return fmt.Sprintf("%s: %s", name, first), nil
}
