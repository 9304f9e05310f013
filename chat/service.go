// Package chat answers prompts for a session, either straight from the model or grounded in the session's documents.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/UditanshuPandey/RAG-Xpert/embeddings"
	"github.com/UditanshuPandey/RAG-Xpert/llm"
	"github.com/UditanshuPandey/RAG-Xpert/metrics"
	"github.com/UditanshuPandey/RAG-Xpert/session"
)

const (
	defaultRetrievalLimit = 4
	maxSnippetLength      = 500

	searchQueryInstruction = "Given the above conversation, generate a search query to look up in order to get information relevant to the conversation, focusing on the most recent messages."

	ragSystemPrompt = "You are a helpful assistant. You will have to answer to user's queries.\n" +
		"You will have some context to help with your answers, but not always would be completely related or helpful.\n" +
		"You can also use your knowledge to assist answering the user's queries.\n\n"
)

var (
	ErrEmptyPrompt    = errors.New("prompt cannot be empty")
	ErrRAGUnavailable = errors.New("no documents loaded for this session")
	ErrTurnInProgress = errors.New("a reply is already being generated for this session")
)

type ServiceConfig struct {
	Sessions session.Store
	Locks    *session.Locks
	Vectors  VectorStore
	Graph    GraphStore
	Embedder embeddings.Embedder
	LLM      llm.Client
	Metrics  *metrics.Recorder
	Logger   *log.Logger

	RetrievalLimit int
}

type Service struct {
	sessions session.Store
	locks    *session.Locks
	vectors  VectorStore
	graph    GraphStore
	embedder embeddings.Embedder
	llm      llm.Client
	metrics  *metrics.Recorder
	logger   *log.Logger
	limit    int

	turnsMu sync.Mutex
	turns   map[string]struct{}
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store not configured")
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm client is not configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Locks == nil {
		cfg.Locks = session.NewLocks()
	}
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = defaultRetrievalLimit
	}

	return &Service{
		sessions: cfg.Sessions,
		locks:    cfg.Locks,
		vectors:  cfg.Vectors,
		graph:    cfg.Graph,
		embedder: cfg.Embedder,
		llm:      cfg.LLM,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		limit:    cfg.RetrievalLimit,
		turns:    make(map[string]struct{}),
	}, nil
}

// Reply records the prompt in the session, answers it and records the answer.
// When streamFn is set it receives the answer as it is generated. Clients that
// cannot stream deliver the whole answer in one call.
// A session answers one prompt at a time; a second prompt, or a ClearChat, arriving
// while an answer is generated fails with ErrTurnInProgress.
func (s *Service) Reply(ctx context.Context, sessionID, prompt string, opts Options, streamFn func(string) error) (Reply, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Reply{}, ErrEmptyPrompt
	}

	if !s.beginTurn(sessionID) {
		return Reply{}, ErrTurnInProgress
	}
	defer s.endTurn(sessionID)

	history, useRAG, err := s.recordPrompt(ctx, sessionID, prompt, opts)
	if err != nil {
		return Reply{}, err
	}

	started := time.Now()
	var reply Reply
	if useRAG {
		reply, err = s.ragReply(ctx, sessionID, prompt, history, streamFn)
	} else {
		reply, err = s.directReply(ctx, history, streamFn)
	}
	if err != nil {
		return Reply{}, err
	}
	s.metrics.ChatReplied(reply.Mode, time.Since(started))

	if err := s.recordAnswer(ctx, sessionID, reply.Answer); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (s *Service) beginTurn(sessionID string) bool {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	if _, busy := s.turns[sessionID]; busy {
		return false
	}
	s.turns[sessionID] = struct{}{}
	return true
}

func (s *Service) endTurn(sessionID string) {
	s.turnsMu.Lock()
	delete(s.turns, sessionID)
	s.turnsMu.Unlock()
}

func (s *Service) turnInProgress(sessionID string) bool {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	_, busy := s.turns[sessionID]
	return busy
}

func (s *Service) recordPrompt(ctx context.Context, sessionID, prompt string, opts Options) ([]llm.Message, bool, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if opts.UseRAG != nil {
		if *opts.UseRAG && !sess.RAGAvailable() {
			return nil, false, ErrRAGUnavailable
		}
		sess.UseRAG = *opts.UseRAG
	}

	sess.Append(session.RoleUser, prompt)
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("save session: %w", err)
	}
	return toLLMMessages(sess.Messages), sess.RAGActive(), nil
}

func (s *Service) recordAnswer(ctx context.Context, sessionID, answer string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Append(session.RoleAssistant, answer)
	if err := s.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Service) directReply(ctx context.Context, history []llm.Message, streamFn func(string) error) (Reply, error) {
	answer, err := s.generate(ctx, history, streamFn)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Answer: answer, Mode: ModeDirect, Sources: []Source{}}, nil
}

func (s *Service) ragReply(ctx context.Context, sessionID, prompt string, history []llm.Message, streamFn func(string) error) (Reply, error) {
	if s.embedder == nil {
		return Reply{}, fmt.Errorf("embedder is not configured")
	}
	if s.vectors == nil {
		return Reply{}, fmt.Errorf("vector store is not configured")
	}

	prior := history[:len(history)-1]
	query, err := s.searchQuery(ctx, prior, prompt)
	if err != nil {
		return Reply{}, err
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return Reply{}, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return Reply{}, fmt.Errorf("embedder returned no vectors")
	}

	chunks, err := s.vectors.SimilarChunks(ctx, sessionID, vectors[0], s.limit)
	if err != nil {
		return Reply{}, fmt.Errorf("vector search: %w", err)
	}
	if len(chunks) == 0 {
		s.logger.Printf("no context found for session %s, answering without documents", sessionID)
	}

	insights := map[string]DocumentInsight{}
	if s.graph != nil && len(chunks) > 0 {
		insightMap, insightErr := s.graph.DocumentInsights(ctx, documentIDs(chunks))
		if insightErr != nil {
			s.logger.Printf("graph insights error: %v", insightErr)
		} else {
			insights = insightMap
		}
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: ragSystemPrompt + buildContext(chunks)})
	messages = append(messages, history...)

	answer, err := s.generate(ctx, messages, streamFn)
	if err != nil {
		return Reply{}, err
	}

	return Reply{
		Answer:  answer,
		Mode:    ModeRAG,
		Query:   query,
		Sources: mergeSources(chunks, insights),
	}, nil
}

// searchQuery condenses the conversation into a standalone retrieval query. Without prior turns the prompt is used as is.
func (s *Service) searchQuery(ctx context.Context, prior []llm.Message, prompt string) (string, error) {
	if len(prior) == 0 {
		return prompt, nil
	}

	messages := make([]llm.Message, 0, len(prior)+2)
	messages = append(messages, prior...)
	messages = append(messages,
		llm.Message{Role: llm.RoleUser, Content: prompt},
		llm.Message{Role: llm.RoleUser, Content: searchQueryInstruction},
	)

	query, err := s.llm.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate search query: %w", err)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return prompt, nil
	}
	return query, nil
}

func (s *Service) generate(ctx context.Context, messages []llm.Message, streamFn func(string) error) (string, error) {
	if streamFn == nil {
		answer, err := s.llm.Generate(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("llm generate: %w", err)
		}
		return strings.TrimSpace(answer), nil
	}

	if streamClient, ok := s.llm.(llm.StreamClient); ok {
		var builder strings.Builder
		if err := streamClient.GenerateStream(ctx, messages, func(chunk string) error {
			if chunk == "" {
				return nil
			}
			builder.WriteString(chunk)
			return streamFn(chunk)
		}); err != nil {
			return "", fmt.Errorf("llm stream generate: %w", err)
		}
		return strings.TrimSpace(builder.String()), nil
	}

	answer, err := s.llm.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("llm generate: %w", err)
	}
	if err := streamFn(answer); err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// ToggleRAG switches retrieval for the session. Enabling requires loaded documents.
func (s *Service) ToggleRAG(ctx context.Context, sessionID string, enabled bool) (*session.Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if enabled && !sess.RAGAvailable() {
		return nil, ErrRAGUnavailable
	}
	sess.UseRAG = enabled
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

func (s *Service) ClearChat(ctx context.Context, sessionID string) (*session.Session, error) {
	if s.turnInProgress(sessionID) {
		return nil, ErrTurnInProgress
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.ClearMessages()
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// Documents lists the sources loaded into the session.
func (s *Service) Documents(ctx context.Context, sessionID string) (DocumentList, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return DocumentList{}, err
	}
	docs := append([]string{}, sess.Sources...)
	return DocumentList{Count: len(docs), Documents: docs}, nil
}

func toLLMMessages(messages []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		role := llm.RoleAssistant
		if m.Role == session.RoleUser {
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

func buildContext(chunks []ChunkResult) string {
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if text := strings.TrimSpace(chunk.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func mergeSources(chunks []ChunkResult, insights map[string]DocumentInsight) []Source {
	grouped := make(map[string]*Source, len(chunks))
	for i := range chunks {
		chunk := chunks[i]
		source, ok := grouped[chunk.DocumentID]
		if !ok {
			source = &Source{
				DocumentID: chunk.DocumentID,
				Title:      chunk.Title,
				Source:     chunk.Source,
				Score:      chunk.Score,
			}
			grouped[chunk.DocumentID] = source
		} else if chunk.Score > source.Score {
			source.Score = chunk.Score
		}

		snippet := strings.TrimSpace(chunk.Content)
		if len(snippet) > maxSnippetLength {
			snippet = snippet[:maxSnippetLength] + "..."
		}
		if source.Snippet == "" {
			source.Snippet = snippet
		} else if !strings.Contains(source.Snippet, snippet) {
			source.Snippet += "\n---\n" + snippet
		}

		if insight, ok := insights[chunk.DocumentID]; ok {
			insight := insight
			source.Insight = &insight
		}
	}

	sources := make([]Source, 0, len(grouped))
	for _, src := range grouped {
		sources = append(sources, *src)
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})

	return sources
}

func documentIDs(chunks []ChunkResult) []string {
	seen := make(map[string]struct{}, len(chunks))
	result := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if _, ok := seen[chunk.DocumentID]; ok {
			continue
		}
		seen[chunk.DocumentID] = struct{}{}
		result = append(result, chunk.DocumentID)
	}
	return result
}
