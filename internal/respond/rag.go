// Package respond produces the agent's spoken answer to a final transcript
// by grounding a language model in retrieved company policy passages.
package respond

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voice-agent-lab/internal/logging"
	"github.com/voice-agent-lab/internal/policy"
)

const (
	GreetingReply = "Hi! I'm here to help with questions about our company policies, returns, shipping, warranties, or payments. What would you like to know?"
	OffTopicReply = "I'm a business assistant focused on helping with company policies, returns, shipping, warranties, and payment questions. Is there something about our business services I can help you with?"
	NoMatchReply  = "Hello! I'd be happy to help you with questions about our company policies, returns, shipping, warranties, and payments. What would you like to know?"
	LowScoreReply = "Hi there! I'm here to help with questions about our company policies, returns, shipping, warranties, and payments. Is there something specific you'd like to know about our services?"
)

const (
	answerMaxTokens   = 200
	classifyMaxTokens = 10
	contextDocs       = 2
	maxReplyChars     = 300
)

// Retriever returns policy passages ranked for a query.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]policy.Hit, error)
}

// Generator completes a prompt.
type Generator interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Options tunes a RAG responder.
type Options struct {
	TopK       int
	MinScore   float64
	ScopeCheck bool
}

// RAG answers business questions from the policy knowledge base.
type RAG struct {
	retriever Retriever
	llm       Generator
	opts      Options
}

// NewRAG returns a responder. TopK defaults to 3.
func NewRAG(r Retriever, g Generator, opts Options) *RAG {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	return &RAG{retriever: r, llm: g, opts: opts}
}

// Respond returns the answer for query. Canned replies cover greetings,
// off-topic questions and questions the knowledge base cannot answer.
// Retrieval and generation errors are returned to the caller.
func (r *RAG) Respond(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return GreetingReply, nil
	}
	start := time.Now()

	if r.opts.ScopeCheck && !r.isBusinessQuery(ctx, query) {
		logging.InfowCtx(ctx, "respond: off-topic query redirected", "query", query)
		return OffTopicReply, nil
	}

	hits, err := r.retriever.Search(ctx, query, r.opts.TopK)
	if err != nil {
		return "", fmt.Errorf("respond: retrieve: %w", err)
	}
	if len(hits) == 0 {
		logging.InfowCtx(ctx, "respond: no policy passages found", "query", query)
		return NoMatchReply, nil
	}
	if hits[0].Score < r.opts.MinScore {
		logging.InfowCtx(ctx, "respond: best passage below relevance floor", "score", hits[0].Score, "min_score", r.opts.MinScore)
		return LowScoreReply, nil
	}

	answer, err := r.llm.Complete(ctx, answerPrompt(query, hits), answerMaxTokens)
	if err != nil {
		return "", fmt.Errorf("respond: generate: %w", err)
	}
	answer = Truncate(strings.TrimSpace(answer), maxReplyChars)
	logging.InfowCtx(ctx, "respond: answer generated",
		"passages", len(hits),
		"best_score", hits[0].Score,
		"chars", len(answer),
		"elapsed_ms", time.Since(start).Milliseconds())
	return answer, nil
}

// isBusinessQuery asks the model to classify query. A failed
// classification lets the query through.
func (r *RAG) isBusinessQuery(ctx context.Context, query string) bool {
	out, err := r.llm.Complete(ctx, classifyPrompt(query), classifyMaxTokens)
	if err != nil {
		logging.WarnwCtx(ctx, "respond: classification failed", "err", err)
		return true
	}
	label := strings.ToUpper(strings.TrimSpace(out))
	logging.DebugwCtx(ctx, "respond: query classified", "label", label)
	return strings.Contains(label, "BUSINESS")
}

// Truncate shortens text longer than limit characters to its last full
// sentence within the limit.
func Truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, "."); i >= 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "."
}

func answerPrompt(query string, hits []policy.Hit) string {
	docs := make([]string, 0, contextDocs)
	for i, h := range hits {
		if i == contextDocs {
			break
		}
		docs = append(docs, h.Text)
	}
	return fmt.Sprintf(`You are a friendly business policy assistant. Answer the customer's question using the company policies provided below.

Company Policies:
%s

Customer Question: %s

INSTRUCTIONS:
- Answer the specific question directly and professionally
- Only use greetings if the customer greeted you first
- Be conversational but focus on providing the requested information
- Keep your response concise and helpful (2-3 sentences)
- Don't add unnecessary pleasantries to every response`, strings.Join(docs, "\n\n"), query)
}

func classifyPrompt(query string) string {
	return fmt.Sprintf(`Classify this user query as either "BUSINESS" or "GENERAL".

A BUSINESS query is about:
- Company policies, returns, refunds, exchanges
- Shipping, delivery, warranties
- Payments, pricing, orders, purchases
- Products, services, customer support
- Account, billing, cancellations

A GENERAL query is about:
- Weather, sports, entertainment, news
- Personal topics, health, recipes
- Time, dates, jokes, general conversation
- Technology tutorials, math, science
- Travel, restaurants (not business-related)

User Query: %q

Classification (respond with only "BUSINESS" or "GENERAL"):`, query)
}
