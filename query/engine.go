// Package query orchestrates a single question: retrieval, context
// assembly, model dispatch, and numeric validation of the answer.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tabletalk/llm"
	"tabletalk/registry"
	"tabletalk/store"
)

// State identifies how far a query progressed before producing its
// user-facing text.
type State string

const (
	StateRetrieving   State = "retrieving"
	StateContextBuilt State = "context_built"
	StateDispatched   State = "dispatched"
	StateValidated    State = "validated"
	StateAnswered     State = "answered"
	StateRejected     State = "rejected"
)

// Sampling parameters for answer generation.
const (
	answerTemperature = 0.7
	answerMaxTokens   = 500
)

// User-facing texts returned on each failure exit. These are part of
// the product surface: the engine never leaks a raw error to the user.
const (
	msgNoData = "I couldn't find any relevant data to answer your question. " +
		"Please try rephrasing or ask about different aspects of the data."
	msgInconsistent    = "There seems to be a data inconsistency. Please try again."
	msgNoContext       = "I couldn't process the data properly. Please try a different question."
	msgNoBackend       = "Error: AI model not available. Please try again later."
	msgInvalidResponse = "I received an invalid response. Please try again."
	msgRejected        = "I apologize, but I may have generated incorrect calculations. " +
		"Please try rephrasing your question."
)

const systemPrompt = `You are a data analysis assistant. Analyze the provided context and answer questions about the data.
Important guidelines:
- Be specific and include numerical values
- Format monetary values with $ and commas
- Cite the source dataset when providing information
- If aggregating across multiple records, explain the calculation
- If the answer requires assumptions, state them clearly
- For calculations involving monetary values, ensure you're using the correct aggregation level
- When dealing with project data, aggregate at the project level first`

// Response is the outcome of one question.
type Response struct {
	Text        string `json:"text"`
	State       State  `json:"state"`
	ModelUsed   string `json:"model_used,omitempty"`
	TotalTokens int    `json:"total_tokens,omitempty"`
}

// Answered reports whether the response carries a validated model answer.
func (r *Response) Answered() bool {
	return r.State == StateAnswered
}

// Engine runs the per-question state machine. Failures at any state
// short-circuit to a fixed user-readable message; Ask never returns an
// error to the caller.
type Engine struct {
	store    *store.Store
	registry *registry.Registry
	topK     int
}

// New builds an engine over a populated store and a probed registry.
func New(s *store.Store, r *registry.Registry, topK int) *Engine {
	if topK <= 0 {
		topK = 5
	}
	return &Engine{store: s, registry: r, topK: topK}
}

// Ask answers one natural-language question about the indexed data.
func (e *Engine) Ask(ctx context.Context, question string) *Response {
	slog.Info("query: processing", "question", question)

	// RETRIEVING. The store degrades every internal failure to an
	// empty result, so emptiness is the only failure signal here.
	result := e.store.Query(ctx, question, e.topK, "")
	if result.Empty() {
		slog.Warn("query: no relevant data", "question", question)
		return &Response{Text: msgNoData, State: StateRetrieving}
	}

	// CONTEXT_BUILT.
	if len(result.Documents) != len(result.Metadatas) {
		slog.Error("query: documents and metadata out of step",
			"documents", len(result.Documents), "metadatas", len(result.Metadatas))
		return &Response{Text: msgInconsistent, State: StateContextBuilt}
	}

	var entries []string
	for i, doc := range result.Documents {
		meta := result.Metadatas[i]
		if doc == "" || len(meta) == 0 {
			continue
		}
		source := "unknown source"
		if s, ok := meta["source"].(string); ok && s != "" {
			source = s
		}
		entries = append(entries, fmt.Sprintf("From %s: %s", source, doc))
	}
	if len(entries) == 0 {
		slog.Warn("query: no usable context entries")
		return &Response{Text: msgNoContext, State: StateContextBuilt}
	}

	// DISPATCHED.
	provider, model := e.registry.Client("")
	if provider == nil {
		slog.Error("query: no model backend usable")
		return &Response{Text: msgNoBackend, State: StateDispatched}
	}

	userPrompt := fmt.Sprintf("Based on this context:\n%s\n\nQuestion: %s",
		strings.Join(entries, " "), question)

	chatResp, err := provider.Chat(ctx, llm.ChatRequest{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: answerTemperature,
		MaxTokens:   answerMaxTokens,
	})
	if err != nil || chatResp == nil || chatResp.Content == "" {
		slog.Error("query: dispatch failed", "model", model, "error", err)
		return &Response{Text: msgInvalidResponse, State: StateDispatched, ModelUsed: model}
	}

	// VALIDATED.
	if !validateNumericClaims(chatResp.Content, result.Metadatas) {
		slog.Warn("query: answer rejected by numeric validation", "model", model)
		e.logQuery(ctx, question, msgRejected, model, result, chatResp)
		return &Response{Text: msgRejected, State: StateRejected, ModelUsed: model}
	}

	e.logQuery(ctx, question, chatResp.Content, model, result, chatResp)
	return &Response{
		Text:        chatResp.Content,
		State:       StateAnswered,
		ModelUsed:   model,
		TotalTokens: chatResp.TotalTokens,
	}
}

func (e *Engine) logQuery(ctx context.Context, question, answer, model string, result store.QueryResult, chatResp *llm.ChatResponse) {
	err := e.store.LogQuery(ctx, store.QueryLog{
		Question:         question,
		Answer:           answer,
		ModelUsed:        model,
		Sources:          result.IDs,
		PromptTokens:     chatResp.PromptTokens,
		CompletionTokens: chatResp.CompletionTokens,
		TotalTokens:      chatResp.TotalTokens,
	})
	if err != nil {
		slog.Warn("query: writing query log", "error", err)
	}
}
