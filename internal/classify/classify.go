// Package classify decides whether a task tree will consume LLM
// resources. The decision is made once, before admission, from the
// static description of the tree; it never changes while the tree runs.
package classify

import "strings"

// Node is the static description of one task in a submitted tree.
type Node struct {
	ExecutorID string
	Method     string
	Type       string
	Model      string
	Provider   string
	Params     map[string]string
}

var llmExecutorIDs = map[string]struct{}{
	"crewai_executor":    {},
	"generate_executor":  {},
	"openai_executor":    {},
	"anthropic_executor": {},
	"llm_executor":       {},
}

var llmTypes = map[string]struct{}{
	"crewai":    {},
	"generate":  {},
	"openai":    {},
	"anthropic": {},
	"llm":       {},
	"agent":     {},
}

var llmProviders = map[string]struct{}{
	"openai":    {},
	"anthropic": {},
	"google":    {},
	"mistral":   {},
	"cohere":    {},
}

var llmMethodKeywords = []string{"llm", "openai", "anthropic", "crewai", "generate"}

var llmModelPrefixes = []string{"gpt-", "claude", "gemini", "mistral", "command"}

// IsLLMConsuming reports whether any node in the tree looks like it
// will call a language model. Ambiguous signals resolve toward true:
// over-counting an LLM run only spends quota, under-counting would let
// free users bypass the LLM ceiling.
func IsLLMConsuming(nodes []Node) bool {
	for _, n := range nodes {
		if NodeConsumesLLM(n) {
			return true
		}
	}
	return false
}

// NodeConsumesLLM applies the per-node signals in order of confidence:
// executor id, declared type, provider, model name, method keywords,
// then an explicit "works" param a tree author can set to force the
// LLM classification.
func NodeConsumesLLM(n Node) bool {
	if _, ok := llmExecutorIDs[strings.ToLower(n.ExecutorID)]; ok {
		return true
	}
	if _, ok := llmTypes[strings.ToLower(n.Type)]; ok {
		return true
	}
	if _, ok := llmProviders[strings.ToLower(n.Provider)]; ok {
		return true
	}
	model := strings.ToLower(n.Model)
	for _, prefix := range llmModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	method := strings.ToLower(n.Method)
	for _, kw := range llmMethodKeywords {
		if strings.Contains(method, kw) {
			return true
		}
	}
	if _, ok := n.Params["works"]; ok {
		return true
	}
	return false
}
