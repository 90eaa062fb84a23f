package classify

import "testing"

func TestNodeConsumesLLM(t *testing.T) {
	cases := []struct {
		name string
		node Node
		want bool
	}{
		{"llm executor id", Node{ExecutorID: "openai_executor"}, true},
		{"executor id case insensitive", Node{ExecutorID: "LLM_Executor"}, true},
		{"plain executor", Node{ExecutorID: "shell_executor"}, false},
		{"agent type", Node{ExecutorID: "custom", Type: "agent"}, true},
		{"provider match", Node{ExecutorID: "custom", Provider: "Anthropic"}, true},
		{"model prefix", Node{ExecutorID: "custom", Model: "gpt-4o-mini"}, true},
		{"claude model", Node{ExecutorID: "custom", Model: "claude-sonnet"}, true},
		{"method keyword substring", Node{ExecutorID: "custom", Method: "run_crewai_pipeline"}, true},
		{"works param", Node{ExecutorID: "custom", Params: map[string]string{"works": "1"}}, true},
		{"no signals", Node{ExecutorID: "custom", Method: "copy_files", Type: "shell"}, false},
	}
	for _, tc := range cases {
		if got := NodeConsumesLLM(tc.node); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsLLMConsumingAnyNode(t *testing.T) {
	nodes := []Node{
		{ExecutorID: "shell_executor"},
		{ExecutorID: "http_executor"},
		{ExecutorID: "generate_executor"},
	}
	if !IsLLMConsuming(nodes) {
		t.Fatalf("tree with one llm node classified as non-llm")
	}
	if IsLLMConsuming(nodes[:2]) {
		t.Fatalf("tree without llm nodes classified as llm")
	}
	if IsLLMConsuming(nil) {
		t.Fatalf("empty tree classified as llm")
	}
}
