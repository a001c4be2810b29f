// Package arbiter breaks routing ties with an LLM. It is an optional
// collaborator: when no API key is configured, New returns nil and the
// router treats every fall-through as "no capable handler".
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/majordomo/internal/agent"
)

// Config selects the LLM provider backing the arbiter.
type Config struct {
	// Provider is "google", "anthropic", "openai", or "openai_compatible".
	// Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string

	Logger *slog.Logger
}

// Arbiter asks a model which candidate agent should take a task.
type Arbiter struct {
	g        *genkit.Genkit
	provider string
	model    string
	logger   *slog.Logger
}

var _ agent.Arbiter = (*Arbiter)(nil)

// New initializes the configured provider. Returns nil when no API key is
// available, which the router treats as arbitration disabled.
func New(ctx context.Context, cfg Config) *Arbiter {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "arbiter")

	if apiKey == "" {
		logger.Info("no LLM API key configured; arbitration disabled")
		return nil
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.OpenAICompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.OpenAICompatibleBaseURL,
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		logger.Warn("unknown LLM provider; arbitration disabled", "provider", provider)
		return nil
	}

	logger.Info("arbiter initialized", "provider", provider, "model", model)
	return &Arbiter{
		g:        g,
		provider: provider,
		model:    model,
		logger:   logger,
	}
}

// Route asks the model to pick one of the candidate slugs for the task.
// Anything the model says that is not exactly one candidate slug is
// treated as inconclusive.
func (a *Arbiter) Route(ctx context.Context, tc agent.TaskContext, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}

	resp, err := genkit.Generate(ctx, a.g,
		ai.WithModelName(modelNameForProvider(a.provider, a.model)),
		ai.WithSystem(arbitrationSystemPrompt),
		ai.WithPrompt(buildPrompt(tc, candidates)),
	)
	if err != nil {
		return "", fmt.Errorf("arbitration generate: %w", err)
	}

	slug := parseSlug(resp.Text(), candidates)
	if slug == "" {
		a.logger.Debug("arbitration inconclusive", "task_id", tc.TaskID, "reply", resp.Text())
	}
	return slug, nil
}

const arbitrationSystemPrompt = "You assign tasks to specialist agents. " +
	"Reply with exactly one agent slug from the candidate list, or the word none " +
	"if no candidate fits. Reply with the slug only, no punctuation or explanation."

// buildPrompt renders the task and the candidate list for the model.
func buildPrompt(tc agent.TaskContext, candidates []string) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(tc.Title)
	sb.WriteString("\n")
	for k, v := range tc.Input {
		if s, ok := v.(string); ok && s != "" {
			fmt.Fprintf(&sb, "%s: %s\n", k, s)
		}
	}
	sb.WriteString("\nCandidate agents:\n")
	for _, slug := range candidates {
		sb.WriteString("- ")
		sb.WriteString(slug)
		sb.WriteString("\n")
	}
	return sb.String()
}

// parseSlug extracts a candidate slug from the model reply. The reply is
// matched word by word so a chatty model that wraps the slug in a
// sentence still resolves.
func parseSlug(reply string, candidates []string) string {
	reply = strings.ToLower(strings.TrimSpace(reply))
	if reply == "" || reply == "none" {
		return ""
	}
	for _, slug := range candidates {
		if reply == strings.ToLower(slug) {
			return slug
		}
	}
	for _, word := range strings.FieldsFunc(reply, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '.' || r == ',' || r == ':' || r == '"' || r == '\''
	}) {
		for _, slug := range candidates {
			if word == strings.ToLower(slug) {
				return slug
			}
		}
	}
	return ""
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-haiku-latest"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.0-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}
