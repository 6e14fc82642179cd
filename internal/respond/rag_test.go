package respond

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voice-agent-lab/internal/policy"
)

type fakeRetriever struct {
	hits []policy.Hit
	err  error
	k    int
}

func (f *fakeRetriever) Search(_ context.Context, _ string, k int) ([]policy.Hit, error) {
	f.k = k
	return f.hits, f.err
}

type fakeLLM struct {
	label     string
	classErr  error
	answer    string
	answerErr error
	prompts   []string
}

func (f *fakeLLM) Complete(_ context.Context, prompt string, maxTokens int) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if maxTokens == classifyMaxTokens {
		return f.label, f.classErr
	}
	return f.answer, f.answerErr
}

func hits(scores ...float64) []policy.Hit {
	out := make([]policy.Hit, len(scores))
	for i, s := range scores {
		out[i] = policy.Hit{ID: "doc", Text: strings.Repeat("x", i+1) + " passage", Score: s}
	}
	return out
}

func TestRespondFlow(t *testing.T) {
	cases := []struct {
		name  string
		query string
		ret   *fakeRetriever
		llm   *fakeLLM
		want  string
	}{
		{"empty query", "  ", &fakeRetriever{}, &fakeLLM{}, GreetingReply},
		{"off topic", "what's the weather", &fakeRetriever{hits: hits(1)}, &fakeLLM{label: "GENERAL"}, OffTopicReply},
		{"classification error allows", "refund?", &fakeRetriever{hits: hits(0.5)}, &fakeLLM{classErr: errors.New("down"), answer: "Refunds take 5 days."}, "Refunds take 5 days."},
		{"no passages", "refund?", &fakeRetriever{}, &fakeLLM{label: "BUSINESS"}, NoMatchReply},
		{"low score", "refund?", &fakeRetriever{hits: hits(0.05)}, &fakeLLM{label: "BUSINESS"}, LowScoreReply},
		{"answer", "refund?", &fakeRetriever{hits: hits(0.8, 0.6, 0.4)}, &fakeLLM{label: " business\n", answer: "  Within 30 days.  "}, "Within 30 days."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRAG(tc.ret, tc.llm, Options{MinScore: 0.1, ScopeCheck: true})
			got, err := r.Respond(context.Background(), tc.query)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("reply = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAnswerPromptUsesTopTwoPassages(t *testing.T) {
	llm := &fakeLLM{label: "BUSINESS", answer: "ok"}
	ret := &fakeRetriever{hits: hits(0.9, 0.8, 0.7)}
	if _, err := NewRAG(ret, llm, Options{ScopeCheck: true}).Respond(context.Background(), "return policy"); err != nil {
		t.Fatal(err)
	}
	if ret.k != 3 {
		t.Fatalf("top-k = %d", ret.k)
	}
	prompt := llm.prompts[len(llm.prompts)-1]
	if !strings.Contains(prompt, "x passage") || !strings.Contains(prompt, "xx passage") || strings.Contains(prompt, "xxx passage") {
		t.Fatalf("prompt passages wrong:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Customer Question: return policy") {
		t.Fatal("question missing from prompt")
	}
}

func TestRespondReturnsBackendErrors(t *testing.T) {
	r := NewRAG(&fakeRetriever{err: errors.New("db gone")}, &fakeLLM{}, Options{})
	if _, err := r.Respond(context.Background(), "refund?"); err == nil {
		t.Fatal("expected retrieval error")
	}
	r = NewRAG(&fakeRetriever{hits: hits(0.9)}, &fakeLLM{answerErr: errors.New("503")}, Options{})
	if _, err := r.Respond(context.Background(), "refund?"); err == nil {
		t.Fatal("expected generation error")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("Sentence one is here. ", 20)
	got := Truncate(long, 300)
	if len(got) > 300 || !strings.HasSuffix(got, ".") {
		t.Fatalf("truncated = %q", got)
	}
	if Truncate("short.", 300) != "short." {
		t.Fatal("short text changed")
	}
	if got := Truncate(strings.Repeat("a", 400), 300); got != strings.Repeat("a", 300)+"." {
		t.Fatalf("no full stop: len=%d", len(got))
	}
}
