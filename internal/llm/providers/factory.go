// Package providers builds an internal/llm.Provider from a model's entry in
// the pipeline's configured model list.
package providers

import (
	"fmt"
	"net/http"

	"weave/internal/config"
	"weave/internal/llm"
	openaillm "weave/internal/llm/openai"
)

// Build constructs the llm.Provider for one configured model. Every session
// and tool-round completion (§4.J) resolves its model name to a provider
// through this function; callers cache the result per model name rather than
// rebuilding clients per turn.
func Build(cfg config.Config, provider, modelName string, httpClient *http.Client) (llm.Provider, error) {
	client := config.ModelConfigsToLLMClient(cfg.Models, provider, modelName)
	switch client.Provider {
	case "", "openai", "local":
		oc := client.OpenAI
		if client.Provider == "local" {
			oc.API = "completions"
		}
		return openaillm.New(oc, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (this deployment only wires the OpenAI-compatible provider)", provider)
	}
}

// BuildAll constructs one provider per distinct (provider, model) pair in
// cfg.Models, returned keyed by model name for the pipeline's model registry.
func BuildAll(cfg config.Config, httpClient *http.Client) (map[string]llm.Provider, error) {
	out := make(map[string]llm.Provider, len(cfg.Models))
	for _, m := range cfg.Models {
		p, err := Build(cfg, m.Provider, m.Name, httpClient)
		if err != nil {
			return nil, fmt.Errorf("build provider for model %q: %w", m.Name, err)
		}
		out[m.Name] = p
	}
	return out, nil
}
