package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UditanshuPandey/RAG-Xpert/llm"
	"github.com/UditanshuPandey/RAG-Xpert/session"
)

type stubLLM struct {
	mu      sync.Mutex
	answer  string
	query   string
	err     error
	calls   [][]llm.Message
	chunked []string
}

func (s *stubLLM) Generate(_ context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]llm.Message(nil), messages...))
	if s.err != nil {
		return "", s.err
	}
	if last := messages[len(messages)-1]; last.Content == searchQueryInstruction {
		return s.query, nil
	}
	return s.answer, nil
}

type streamingLLM struct {
	stubLLM
}

func (s *streamingLLM) GenerateStream(ctx context.Context, messages []llm.Message, fn func(string) error) error {
	s.mu.Lock()
	s.calls = append(s.calls, append([]llm.Message(nil), messages...))
	chunks := s.chunked
	s.mu.Unlock()
	for _, chunk := range chunks {
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}

// blockingLLM holds every Generate call until release is closed.
type blockingLLM struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingLLM) Generate(ctx context.Context, _ []llm.Message) (string, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type stubEmbedder struct {
	texts []string
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.texts = append(s.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type stubVectors struct {
	sessionID string
	limit     int
	results   []ChunkResult
}

func (s *stubVectors) SimilarChunks(_ context.Context, sessionID string, _ []float32, limit int) ([]ChunkResult, error) {
	s.sessionID = sessionID
	s.limit = limit
	return s.results, nil
}

type stubGraph struct {
	insights map[string]DocumentInsight
	err      error
}

func (s stubGraph) DocumentInsights(_ context.Context, _ []string) (map[string]DocumentInsight, error) {
	return s.insights, s.err
}

type harness struct {
	svc      *Service
	sessions *session.MemoryStore
	embedder *stubEmbedder
	vectors  *stubVectors
}

func newHarness(t *testing.T, client llm.Client, graph GraphStore) harness {
	t.Helper()
	sessions := session.NewMemoryStore()
	embedder := &stubEmbedder{}
	vectors := &stubVectors{results: []ChunkResult{
		{ChunkID: "c1", DocumentID: "d1", Title: "Handbook", Source: "handbook.pdf", Content: "Leave policy: 25 days.", Score: 0.9},
		{ChunkID: "c2", DocumentID: "d1", Title: "Handbook", Source: "handbook.pdf", Content: "Carry over up to 5 days.", Score: 0.7},
		{ChunkID: "c3", DocumentID: "d2", Title: "FAQ", Source: "https://example.com/faq", Content: "Ask HR.", Score: 0.5},
	}}

	svc, err := NewService(ServiceConfig{
		Sessions:       sessions,
		Vectors:        vectors,
		Graph:          graph,
		Embedder:       embedder,
		LLM:            client,
		Logger:         log.New(io.Discard, "", 0),
		RetrievalLimit: 4,
	})
	require.NoError(t, err)
	return harness{svc: svc, sessions: sessions, embedder: embedder, vectors: vectors}
}

func (h harness) session(t *testing.T, sources ...string) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := h.sessions.Create(ctx)
	require.NoError(t, err)
	for _, src := range sources {
		sess.AddSource(src)
	}
	require.NoError(t, h.sessions.Save(ctx, sess))
	return sess
}

func boolPtr(v bool) *bool { return &v }

func TestReplyRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t, &stubLLM{answer: "x"}, nil)
	sess := h.session(t)
	_, err := h.svc.Reply(context.Background(), sess.ID, "   ", Options{}, nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestReplyUnknownSession(t *testing.T) {
	h := newHarness(t, &stubLLM{answer: "x"}, nil)
	_, err := h.svc.Reply(context.Background(), "nope", "hi", Options{}, nil)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestReplyDirectUsesWholeHistory(t *testing.T) {
	client := &stubLLM{answer: "  Paris.  "}
	h := newHarness(t, client, nil)
	sess := h.session(t)
	ctx := context.Background()

	reply, err := h.svc.Reply(ctx, sess.ID, "Capital of France?", Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, reply.Mode)
	assert.Equal(t, "Paris.", reply.Answer)
	assert.Empty(t, reply.Sources)
	assert.Empty(t, h.embedder.texts)

	require.Len(t, client.calls, 1)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "Hello"},
		{Role: llm.RoleAssistant, Content: "Hi there! How can I assist you today?"},
		{Role: llm.RoleUser, Content: "Capital of France?"},
	}, client.calls[0])

	stored, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 4)
	assert.Equal(t, session.Message{Role: session.RoleAssistant, Content: "Paris."}, stored.Messages[3])
}

func TestReplyEnablingRAGWithoutDocuments(t *testing.T) {
	h := newHarness(t, &stubLLM{answer: "x"}, nil)
	sess := h.session(t)

	_, err := h.svc.Reply(context.Background(), sess.ID, "hi", Options{UseRAG: boolPtr(true)}, nil)
	assert.ErrorIs(t, err, ErrRAGUnavailable)

	stored, err := h.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2, "rejected prompt is not recorded")
}

func TestReplyRAGRewritesQueryAndRetrieves(t *testing.T) {
	client := &stubLLM{answer: "You get 25 days.", query: "annual leave days policy"}
	h := newHarness(t, client, stubGraph{insights: map[string]DocumentInsight{
		"d1": {ChunkCount: 12, RelatedDocuments: []RelatedDocument{{ID: "d2", Title: "FAQ"}}},
	}})
	sess := h.session(t, "handbook.pdf")
	ctx := context.Background()

	reply, err := h.svc.Reply(ctx, sess.ID, "How many leave days?", Options{UseRAG: boolPtr(true)}, nil)
	require.NoError(t, err)

	assert.Equal(t, ModeRAG, reply.Mode)
	assert.Equal(t, "annual leave days policy", reply.Query)
	assert.Equal(t, []string{"annual leave days policy"}, h.embedder.texts)
	assert.Equal(t, sess.ID, h.vectors.sessionID)
	assert.Equal(t, 4, h.vectors.limit)

	require.Len(t, reply.Sources, 2)
	assert.Equal(t, "d1", reply.Sources[0].DocumentID)
	assert.Equal(t, 0.9, reply.Sources[0].Score)
	assert.Contains(t, reply.Sources[0].Snippet, "Carry over")
	require.NotNil(t, reply.Sources[0].Insight)
	assert.Equal(t, 12, reply.Sources[0].Insight.ChunkCount)
	assert.Nil(t, reply.Sources[1].Insight)

	require.Len(t, client.calls, 2)
	rewrite := client.calls[0]
	assert.Equal(t, searchQueryInstruction, rewrite[len(rewrite)-1].Content)
	assert.Equal(t, "How many leave days?", rewrite[len(rewrite)-2].Content)

	answer := client.calls[1]
	assert.Equal(t, llm.RoleSystem, answer[0].Role)
	assert.True(t, strings.HasPrefix(answer[0].Content, "You are a helpful assistant."))
	assert.Contains(t, answer[0].Content, "Leave policy: 25 days.\n\nCarry over up to 5 days.\n\nAsk HR.")
	assert.Equal(t, "How many leave days?", answer[len(answer)-1].Content)

	stored, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.UseRAG)
}

func TestReplyRAGWithoutPriorTurnsSkipsRewrite(t *testing.T) {
	client := &stubLLM{answer: "ok", query: "unused"}
	h := newHarness(t, client, nil)
	sess := h.session(t, "handbook.pdf")
	ctx := context.Background()

	_, err := h.svc.ClearChat(ctx, sess.ID)
	require.NoError(t, err)

	reply, err := h.svc.Reply(ctx, sess.ID, "leave policy", Options{UseRAG: boolPtr(true)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "leave policy", reply.Query)
	assert.Len(t, client.calls, 1)
}

func TestReplyStaleToggleFallsBackToDirect(t *testing.T) {
	client := &stubLLM{answer: "plain"}
	h := newHarness(t, client, nil)
	sess := h.session(t)
	sess.UseRAG = true
	require.NoError(t, h.sessions.Save(context.Background(), sess))

	reply, err := h.svc.Reply(context.Background(), sess.ID, "hi", Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, reply.Mode)
}

func TestReplyGraphErrorsAreNotFatal(t *testing.T) {
	h := newHarness(t, &stubLLM{answer: "ok", query: "q"}, stubGraph{err: errors.New("neo4j down")})
	sess := h.session(t, "handbook.pdf")

	reply, err := h.svc.Reply(context.Background(), sess.ID, "hi", Options{UseRAG: boolPtr(true)}, nil)
	require.NoError(t, err)
	assert.Len(t, reply.Sources, 2)
}

func TestReplyStreamsChunks(t *testing.T) {
	client := &streamingLLM{stubLLM: stubLLM{chunked: []string{"Hel", "", "lo ", "there"}}}
	h := newHarness(t, client, nil)
	sess := h.session(t)

	var got []string
	reply, err := h.svc.Reply(context.Background(), sess.ID, "greet me", Options{}, func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo ", "there"}, got)
	assert.Equal(t, "Hello there", reply.Answer)
}

func TestReplyStreamFallbackDeliversOnce(t *testing.T) {
	h := newHarness(t, &stubLLM{answer: "whole answer"}, nil)
	sess := h.session(t)

	var got []string
	_, err := h.svc.Reply(context.Background(), sess.ID, "hi", Options{}, func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"whole answer"}, got)
}

func TestReplyLLMFailureKeepsPrompt(t *testing.T) {
	h := newHarness(t, &stubLLM{err: errors.New("rate limited")}, nil)
	sess := h.session(t)

	_, err := h.svc.Reply(context.Background(), sess.ID, "hi", Options{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	stored, err := h.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 3)
	assert.Equal(t, "hi", stored.Messages[2].Content)
}

func TestReplyRejectsConcurrentTurns(t *testing.T) {
	client := &blockingLLM{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, client, nil)
	sess := h.session(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.Reply(ctx, sess.ID, "first", Options{}, nil)
		errCh <- err
	}()
	<-client.started

	_, err := h.svc.Reply(ctx, sess.ID, "second", Options{}, nil)
	assert.ErrorIs(t, err, ErrTurnInProgress)
	_, err = h.svc.ClearChat(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrTurnInProgress)

	other := h.session(t)
	otherCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.svc.Reply(otherCtx, other.ID, "elsewhere", Options{}, nil)
	assert.NotErrorIs(t, err, ErrTurnInProgress)

	close(client.release)
	require.NoError(t, <-errCh)

	stored, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 4)
	assert.Equal(t, "first", stored.Messages[2].Content)
	assert.Equal(t, "done", stored.Messages[3].Content)

	_, err = h.svc.Reply(ctx, sess.ID, "second", Options{}, nil)
	require.NoError(t, err)
}

func TestToggleRAG(t *testing.T) {
	h := newHarness(t, &stubLLM{}, nil)
	ctx := context.Background()

	empty := h.session(t)
	_, err := h.svc.ToggleRAG(ctx, empty.ID, true)
	assert.ErrorIs(t, err, ErrRAGUnavailable)

	off, err := h.svc.ToggleRAG(ctx, empty.ID, false)
	require.NoError(t, err)
	assert.False(t, off.UseRAG)

	loaded := h.session(t, "a.md")
	on, err := h.svc.ToggleRAG(ctx, loaded.ID, true)
	require.NoError(t, err)
	assert.True(t, on.UseRAG)
}

func TestClearChatEmptiesMessages(t *testing.T) {
	h := newHarness(t, &stubLLM{}, nil)
	sess := h.session(t, "a.md")

	cleared, err := h.svc.ClearChat(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, cleared.Messages)
	assert.Equal(t, []string{"a.md"}, cleared.Sources)
}

func TestDocuments(t *testing.T) {
	h := newHarness(t, &stubLLM{}, nil)
	ctx := context.Background()

	none, err := h.svc.Documents(ctx, h.session(t).ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentList{Count: 0, Documents: []string{}}, none)

	some, err := h.svc.Documents(ctx, h.session(t, "a.md", "b.pdf").ID)
	require.NoError(t, err)
	assert.Equal(t, 2, some.Count)
	assert.Equal(t, []string{"a.md", "b.pdf"}, some.Documents)

	_, err = h.svc.Documents(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestMergeSourcesTruncatesSnippets(t *testing.T) {
	long := strings.Repeat("a", maxSnippetLength+20)
	sources := mergeSources([]ChunkResult{{DocumentID: "d", Content: long, Score: 0.3}}, nil)
	require.Len(t, sources, 1)
	assert.Len(t, sources[0].Snippet, maxSnippetLength+3)
}
