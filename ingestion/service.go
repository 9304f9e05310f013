package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/UditanshuPandey/RAG-Xpert/embeddings"
	"github.com/UditanshuPandey/RAG-Xpert/metrics"
	"github.com/UditanshuPandey/RAG-Xpert/session"
)

// Upload is one file received from a client.
type Upload struct {
	Name string
	Data []byte
}

type LoadedSource struct {
	Source     string `json:"source"`
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Kind       string `json:"kind"`
	Chunks     int    `json:"chunks"`
}

type SkippedSource struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Result summarises one loading batch.
type Result struct {
	Loaded  []LoadedSource  `json:"loaded"`
	Skipped []SkippedSource `json:"skipped"`
	Failed  []SkippedSource `json:"failed"`
	Sources []string        `json:"sources"`
}

type ServiceConfig struct {
	Index    Index
	Graph    GraphSink
	Embedder embeddings.Embedder
	Sessions session.Store
	Locks    *session.Locks
	Chunker  *Chunker
	Web      *WebLoader
	Pruner   *Pruner
	Metrics  *metrics.Recorder
	Logger   *log.Logger

	MaxDocsPerSession int
	MaxUploadBytes    int64
}

type Service struct {
	index    Index
	graph    GraphSink
	embedder embeddings.Embedder
	sessions session.Store
	locks    *session.Locks
	chunker  *Chunker
	web      *WebLoader
	pruner   *Pruner
	metrics  *metrics.Recorder
	logger   *log.Logger

	maxDocs   int
	maxUpload int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("index not configured")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store not configured")
	}
	if cfg.Chunker == nil {
		return nil, fmt.Errorf("chunker not configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Locks == nil {
		cfg.Locks = session.NewLocks()
	}
	if cfg.Web == nil {
		cfg.Web = NewWebLoader(WebLoaderOptions{})
	}
	if cfg.MaxDocsPerSession <= 0 {
		cfg.MaxDocsPerSession = 10
	}

	return &Service{
		index:     cfg.Index,
		graph:     cfg.Graph,
		embedder:  cfg.Embedder,
		sessions:  cfg.Sessions,
		locks:     cfg.Locks,
		chunker:   cfg.Chunker,
		web:       cfg.Web,
		pruner:    cfg.Pruner,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		maxDocs:   cfg.MaxDocsPerSession,
		maxUpload: cfg.MaxUploadBytes,
	}, nil
}

// LoadDocuments indexes uploaded files into the session's collection.
// Files already loaded are skipped, as is everything past the per-session document limit.
func (s *Service) LoadDocuments(ctx context.Context, sessionID string, uploads []Upload) (Result, error) {
	if len(uploads) == 0 {
		return Result{}, fmt.Errorf("no files provided")
	}

	result, loaded, err := s.withSession(ctx, sessionID, func(sess *session.Session, result *Result) error {
		if len(sess.Sources) >= s.maxDocs {
			return fmt.Errorf("%w (%d)", ErrDocumentLimit, s.maxDocs)
		}

		for _, upload := range uploads {
			name := filepath.Base(strings.TrimSpace(upload.Name))
			if name == "" || name == "." || name == string(filepath.Separator) {
				result.Failed = append(result.Failed, SkippedSource{Source: upload.Name, Reason: "missing file name"})
				continue
			}
			if skip := s.admit(sess, name); skip != nil {
				result.Skipped = append(result.Skipped, SkippedSource{Source: name, Reason: skip.Error()})
				continue
			}

			loaded, err := s.loadUpload(ctx, sess.ID, name, upload.Data)
			if err != nil {
				s.logger.Printf("load %s failed: %v", name, err)
				result.Failed = append(result.Failed, SkippedSource{Source: name, Reason: err.Error()})
				continue
			}
			sess.AddSource(name)
			result.Loaded = append(result.Loaded, loaded)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if loaded {
		s.prune(ctx)
	}
	return result, nil
}

// LoadURL fetches a web page and indexes it into the session's collection.
// Unlike LoadDocuments it returns the load error itself, since there is only one source.
func (s *Service) LoadURL(ctx context.Context, sessionID, rawURL string) (Result, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return Result{}, err
	}
	source := u.String()

	result, loaded, err := s.withSession(ctx, sessionID, func(sess *session.Session, result *Result) error {
		if skip := s.admit(sess, source); skip != nil {
			return skip
		}

		loaded, err := s.loadPage(ctx, sess.ID, source)
		if err != nil {
			s.logger.Printf("load %s failed: %v", source, err)
			return fmt.Errorf("load %s: %w", source, err)
		}
		sess.AddSource(source)
		result.Loaded = append(result.Loaded, loaded)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if loaded {
		s.prune(ctx)
	}
	return result, nil
}

// withSession runs fn while holding the session lock and saves the session when fn indexed anything.
// A session that had no sources before gets RAG switched on by its first successful load.
func (s *Service) withSession(ctx context.Context, sessionID string, fn func(*session.Session, *Result) error) (Result, bool, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Result{}, false, err
	}
	wasAvailable := sess.RAGAvailable()

	result := Result{Loaded: []LoadedSource{}, Skipped: []SkippedSource{}, Failed: []SkippedSource{}}
	if err := fn(sess, &result); err != nil {
		return Result{}, false, err
	}

	loaded := len(result.Loaded) > 0
	if loaded {
		if !wasAvailable {
			sess.UseRAG = true
		}
		if err := s.sessions.Save(ctx, sess); err != nil {
			return Result{}, false, fmt.Errorf("save session: %w", err)
		}
	}
	result.Sources = append([]string{}, sess.Sources...)
	return result, loaded, nil
}

func (s *Service) admit(sess *session.Session, source string) error {
	if sess.HasSource(source) {
		return ErrDuplicateSource
	}
	if len(sess.Sources) >= s.maxDocs {
		return fmt.Errorf("%w (%d)", ErrDocumentLimit, s.maxDocs)
	}
	return nil
}

func (s *Service) loadUpload(ctx context.Context, sessionID, name string, data []byte) (LoadedSource, error) {
	format := DetectFormat(name)
	if format == FormatUnknown {
		s.metrics.IngestFailed("unknown")
		return LoadedSource{}, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedFormat, filepath.Ext(name), strings.Join(SupportedExtensions(), ", "))
	}
	if s.maxUpload > 0 && int64(len(data)) > s.maxUpload {
		s.metrics.IngestFailed(string(format))
		return LoadedSource{}, fmt.Errorf("%w: file exceeds %d bytes", ErrDocumentTooLarge, s.maxUpload)
	}

	parser, err := parserFor(format)
	if err != nil {
		return LoadedSource{}, err
	}
	parsed, err := parser.Parse(ctx, DocumentPayload{Path: name, Data: data})
	if err != nil {
		s.metrics.IngestFailed(string(format))
		return LoadedSource{}, fmt.Errorf("parse: %w", err)
	}

	return s.indexText(ctx, sessionID, name, format, parsed.Title, parsed.Text, data)
}

func (s *Service) loadPage(ctx context.Context, sessionID, source string) (LoadedSource, error) {
	page, err := s.web.Load(ctx, source)
	if err != nil {
		s.metrics.IngestFailed(string(FormatURL))
		return LoadedSource{}, err
	}
	return s.indexText(ctx, sessionID, source, FormatURL, page.Title, page.Markdown, []byte(page.Markdown))
}

func (s *Service) indexText(ctx context.Context, sessionID, source string, format DocumentFormat, title, text string, raw []byte) (LoadedSource, error) {
	chunks, err := s.chunker.Split(text)
	if err != nil {
		s.metrics.IngestFailed(string(format))
		return LoadedSource{}, err
	}
	if len(chunks) == 0 {
		s.metrics.IngestFailed(string(format))
		return LoadedSource{}, fmt.Errorf("no text content found")
	}

	vectors, err := s.embedder.Embed(ctx, chunks)
	if err != nil {
		s.metrics.IngestFailed(string(format))
		return LoadedSource{}, fmt.Errorf("generate embeddings: %w", err)
	}

	hash := sha256.Sum256(raw)
	doc, err := s.index.Store(ctx, IndexedDocument{
		SessionID:  sessionID,
		Source:     source,
		Kind:       format,
		Title:      title,
		SHA:        hex.EncodeToString(hash[:]),
		Chunks:     chunks,
		Embeddings: vectors,
	})
	if err != nil {
		s.metrics.IngestFailed(string(format))
		return LoadedSource{}, fmt.Errorf("store document: %w", err)
	}

	if s.graph != nil {
		if err := s.graph.SyncDocument(ctx, doc); err != nil {
			s.logger.Printf("sync knowledge graph for %s failed: %v", source, err)
		}
	}

	s.metrics.DocumentIngested(string(format), len(chunks))
	s.logger.Printf("ingested %s into session %s (%d chunks)", source, sessionID, len(chunks))
	return LoadedSource{
		Source:     source,
		DocumentID: doc.ID,
		Title:      title,
		Kind:       string(format),
		Chunks:     len(chunks),
	}, nil
}

func (s *Service) prune(ctx context.Context) {
	if s.pruner == nil {
		return
	}
	if _, err := s.pruner.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Printf("prune collections failed: %v", err)
	}
}

// Purge removes every collection, graph node and session.
func (s *Service) Purge(ctx context.Context) error {
	if err := s.index.Purge(ctx); err != nil {
		return fmt.Errorf("clear vector index: %w", err)
	}
	s.logger.Println("cleared Postgres rag_documents and rag_chunks")

	if s.graph != nil {
		if err := s.graph.Purge(ctx); err != nil {
			return fmt.Errorf("clear knowledge graph: %w", err)
		}
		s.logger.Println("Neo4j sessions, documents and chunks cleared")
	}

	ids, err := s.sessions.List(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, id := range ids {
		unlock := s.locks.Lock(id)
		err := s.sessions.Delete(ctx, id)
		unlock()
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	s.logger.Printf("deleted %d sessions", len(ids))
	return nil
}
