package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/google/uuid"

	"github.com/satchel/squire/internal/config"
)

const defaultMaxHistory = 40

// API calls the model provider directly through genkit. Continuity is an
// in-memory token -> message-history map: the token minted on the first run
// rides the session state and replays the capped history on later runs.
// Histories do not survive a daemon restart; an unknown token starts fresh
// under the same token, so stored sessions stay valid.
type API struct {
	g    *genkit.Genkit
	cfg  config.APIExecutorConfig
	live bool

	mu        sync.Mutex
	histories map[string][]*ai.Message
}

// NewAPI initializes genkit with the configured provider plugin. Without an
// API key the backend still registers but fails fast at Execute.
func NewAPI(ctx context.Context, cfg config.APIExecutorConfig) *API {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.Model == "" {
		cfg.Model = defaultModelFor(provider)
	}

	apiKey := apiKeyFor(cfg)

	var g *genkit.Genkit
	live := false
	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: cfg.BaseURL,
			}))
			live = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.CompatProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			live = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			live = true
		}
	default:
		slog.Warn("unknown api executor provider", "provider", provider)
	}
	if g == nil {
		g = genkit.Init(ctx)
	}

	if live {
		slog.Info("api executor initialized", "provider", provider, "model", cfg.Model)
	} else {
		slog.Warn("api executor missing API key; runs will fail fast", "provider", provider)
	}

	return &API{
		g:         g,
		cfg:       cfg,
		live:      live,
		histories: make(map[string][]*ai.Message),
	}
}

func (a *API) Name() string { return "api" }

func (a *API) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	if !a.live {
		return Result{Duration: time.Since(start)}, &Error{
			Backend:  "api",
			ExitCode: 1,
			Err:      fmt.Errorf("no API key configured for provider %q", a.cfg.Provider),
		}
	}

	token := req.ContinuationToken
	if token == "" {
		token = uuid.NewString()
	}
	history := a.snapshotHistory(token)

	opts := []ai.GenerateOption{
		ai.WithModelName(a.modelName(req.Model)),
		ai.WithPrompt(req.Prompt),
	}
	if a.cfg.System != "" {
		// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(a.cfg.System, "%", "%%")))
	}
	if len(history) > 0 {
		opts = append(opts, ai.WithMessages(history...))
	}

	resp, err := genkit.Generate(ctx, a.g, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Duration: time.Since(start)}, ctx.Err()
		}
		return Result{Duration: time.Since(start)}, &Error{
			Backend:  "api",
			ExitCode: 1,
			Err:      fmt.Errorf("generate: %w", err),
		}
	}

	reply := resp.Text()
	a.appendHistory(token, req.Prompt, reply)

	return Result{
		Output:            reply,
		Duration:          time.Since(start),
		ContinuationToken: token,
	}, nil
}

func (a *API) snapshotHistory(token string) []*ai.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored := a.histories[token]
	out := make([]*ai.Message, len(stored))
	copy(out, stored)
	return out
}

// appendHistory records the exchange and trims the oldest messages past the
// cap, always cutting on an exchange boundary.
func (a *API) appendHistory(token, prompt, reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	history := append(a.histories[token],
		&ai.Message{Role: ai.RoleUser, Content: []*ai.Part{ai.NewTextPart(prompt)}},
		&ai.Message{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart(reply)}},
	)
	if max := a.cfg.MaxHistory; len(history) > max {
		drop := len(history) - max
		if drop%2 != 0 {
			drop++
		}
		history = history[drop:]
	}
	a.histories[token] = history
}

func (a *API) modelName(model string) string {
	if model == "" {
		model = a.cfg.Model
	}
	switch a.cfg.Provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

func apiKeyFor(cfg config.APIExecutorConfig) string {
	if cfg.APIKeyEnv != "" {
		return os.Getenv(cfg.APIKeyEnv)
	}
	switch cfg.Provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}
