package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UditanshuPandey/RAG-Xpert/knowledge"
	"github.com/UditanshuPandey/RAG-Xpert/session"
)

type stubEmbedder struct {
	fail bool
}

func (s stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.fail {
		return nil, errors.New("embedding backend offline")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

type memoryIndex struct {
	mu     sync.Mutex
	seq    int
	docs   map[string]IndexedDocument
	latest map[string]int
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{docs: map[string]IndexedDocument{}, latest: map[string]int{}}
}

func (m *memoryIndex) Store(_ context.Context, doc IndexedDocument) (knowledge.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	key := doc.SessionID + "|" + doc.Source
	m.docs[key] = doc
	m.latest[doc.SessionID] = m.seq

	chunks := make([]knowledge.Chunk, len(doc.Chunks))
	for i, text := range doc.Chunks {
		chunks[i] = knowledge.Chunk{ID: fmt.Sprintf("%s-%d", key, i), Index: i, Text: text}
	}
	return knowledge.Document{ID: key, SessionID: doc.SessionID, Source: doc.Source, Title: doc.Title, Chunks: chunks}, nil
}

func (m *memoryIndex) StaleSessions(_ context.Context, keep int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.latest))
	for id := range m.latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m.latest[ids[i]] > m.latest[ids[j]] })
	if keep >= len(ids) {
		return nil, nil
	}
	return ids[keep:], nil
}

func (m *memoryIndex) DeleteSessions(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.latest, id)
		for key, doc := range m.docs {
			if doc.SessionID == id {
				delete(m.docs, key)
			}
		}
	}
	return nil
}

func (m *memoryIndex) Purge(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = map[string]IndexedDocument{}
	m.latest = map[string]int{}
	return nil
}

func (m *memoryIndex) count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, doc := range m.docs {
		if doc.SessionID == sessionID {
			n++
		}
	}
	return n
}

type recordingGraph struct {
	mu      sync.Mutex
	synced  []string
	deleted []string
	purged  bool
}

func (g *recordingGraph) SyncDocument(_ context.Context, doc knowledge.Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.synced = append(g.synced, doc.Source)
	return nil
}

func (g *recordingGraph) DeleteSessions(_ context.Context, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, ids...)
	return nil
}

func (g *recordingGraph) Purge(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purged = true
	return nil
}

type fixture struct {
	svc      *Service
	index    *memoryIndex
	graph    *recordingGraph
	sessions *session.MemoryStore
}

func newFixture(t *testing.T, embedder stubEmbedder, maxDocs, maxCollections int) fixture {
	t.Helper()
	index := newMemoryIndex()
	graph := &recordingGraph{}
	sessions := session.NewMemoryStore()
	locks := session.NewLocks()
	logger := log.New(io.Discard, "", 0)

	chunker, err := NewChunker(200, 20)
	require.NoError(t, err)

	svc, err := NewService(ServiceConfig{
		Index:             index,
		Graph:             graph,
		Embedder:          embedder,
		Sessions:          sessions,
		Locks:             locks,
		Chunker:           chunker,
		Web:               NewWebLoader(WebLoaderOptions{AllowPrivate: true}),
		Pruner:            NewPruner(index, graph, sessions, locks, nil, logger, maxCollections),
		Logger:            logger,
		MaxDocsPerSession: maxDocs,
		MaxUploadBytes:    1 << 16,
	})
	require.NoError(t, err)
	return fixture{svc: svc, index: index, graph: graph, sessions: sessions}
}

func (f fixture) newSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.sessions.Create(context.Background())
	require.NoError(t, err)
	return sess
}

func TestLoadDocumentsIndexesEachFile(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, 10, 20)
	sess := f.newSession(t)

	result, err := f.svc.LoadDocuments(context.Background(), sess.ID, []Upload{
		{Name: "guide.md", Data: []byte("# Guide\n\nInstall the tool.")},
		{Name: "/tmp/upload/notes.txt", Data: []byte("Meeting notes")},
	})
	require.NoError(t, err)
	require.Len(t, result.Loaded, 2)
	assert.Equal(t, "Guide", result.Loaded[0].Title)
	assert.Equal(t, "notes.txt", result.Loaded[1].Source)
	assert.Equal(t, []string{"guide.md", "notes.txt"}, result.Sources)
	assert.Empty(t, result.Failed)

	stored, err := f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"guide.md", "notes.txt"}, stored.Sources)
	assert.True(t, stored.UseRAG, "first load switches RAG on")
	assert.Equal(t, 2, f.index.count(sess.ID))
	assert.Equal(t, []string{"guide.md", "notes.txt"}, f.graph.synced)
}

func TestLoadDocumentsSkipsDuplicates(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, 10, 20)
	sess := f.newSession(t)
	ctx := context.Background()

	_, err := f.svc.LoadDocuments(ctx, sess.ID, []Upload{{Name: "a.md", Data: []byte("alpha")}})
	require.NoError(t, err)

	result, err := f.svc.LoadDocuments(ctx, sess.ID, []Upload{
		{Name: "a.md", Data: []byte("alpha again")},
		{Name: "b.md", Data: []byte("beta")},
	})
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "a.md", result.Skipped[0].Source)
	assert.Equal(t, ErrDuplicateSource.Error(), result.Skipped[0].Reason)
	assert.Equal(t, []string{"a.md", "b.md"}, result.Sources)
}

func TestLoadDocumentsRespectsLimit(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, 2, 20)
	sess := f.newSession(t)
	ctx := context.Background()

	result, err := f.svc.LoadDocuments(ctx, sess.ID, []Upload{
		{Name: "1.txt", Data: []byte("one")},
		{Name: "2.txt", Data: []byte("two")},
		{Name: "3.txt", Data: []byte("three")},
	})
	require.NoError(t, err)
	assert.Len(t, result.Loaded, 2)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "3.txt", result.Skipped[0].Source)
	assert.Contains(t, result.Skipped[0].Reason, ErrDocumentLimit.Error())

	_, err = f.svc.LoadDocuments(ctx, sess.ID, []Upload{{Name: "4.txt", Data: []byte("four")}})
	assert.ErrorIs(t, err, ErrDocumentLimit)
}

func TestLoadDocumentsReportsFailures(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, 10, 20)
	sess := f.newSession(t)

	result, err := f.svc.LoadDocuments(context.Background(), sess.ID, []Upload{
		{Name: "sheet.xlsx", Data: []byte("x")},
		{Name: "empty.txt", Data: []byte("   ")},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Loaded)
	require.Len(t, result.Failed, 2)
	assert.Contains(t, result.Failed[0].Reason, ErrUnsupportedFormat.Error())
	assert.Contains(t, result.Failed[1].Reason, "no text content")

	stored, err := f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Sources)
	assert.False(t, stored.UseRAG)
}

func TestLoadDocumentsEmbeddingFailureLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t, stubEmbedder{fail: true}, 10, 20)
	sess := f.newSession(t)

	result, err := f.svc.LoadDocuments(context.Background(), sess.ID, []Upload{{Name: "a.md", Data: []byte("alpha")}})
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Reason, "embedding backend offline")
	assert.Empty(t, result.Sources)
	assert.Zero(t, f.index.count(sess.ID))
}

func TestLoadDocumentsUnknownSession(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, 10, 20)
	_, err := f.svc.LoadDocuments(context.Background(), "missing", []Upload{{Name: "a.md", Data: []byte("alpha")}})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestLoadDocumentsRequiresFiles(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, 10, 20)
	sess := f.newSession(t)
	_, err := f.svc.LoadDocuments(context.Background(), sess.ID, nil)
	assert.Error(t, err)
}

func TestLoadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>FAQ</title></head><body><article><p>Answers live here.</p></article></body></html>`))
	}))
	defer srv.Close()

	f := newFixture(t, stubEmbedder{}, 10, 20)
	sess := f.newSession(t)
	ctx := context.Background()

	result, err := f.svc.LoadURL(ctx, sess.ID, srv.URL+"/faq")
	require.NoError(t, err)
	require.Len(t, result.Loaded, 1)
	assert.Equal(t, "FAQ", result.Loaded[0].Title)
	assert.Equal(t, string(FormatURL), result.Loaded[0].Kind)
	assert.Equal(t, []string{srv.URL + "/faq"}, result.Sources)

	_, err = f.svc.LoadURL(ctx, sess.ID, srv.URL+"/faq")
	assert.ErrorIs(t, err, ErrDuplicateSource)
}

func TestLoadURLRejectsInvalidURL(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, 10, 20)
	sess := f.newSession(t)
	_, err := f.svc.LoadURL(context.Background(), sess.ID, "notaurl")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestLoadURLFetchFailureReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := newFixture(t, stubEmbedder{}, 10, 20)
	sess := f.newSession(t)
	ctx := context.Background()

	_, err := f.svc.LoadURL(ctx, sess.ID, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.True(t, strings.Contains(err.Error(), "404"))

	stored, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Sources)
	assert.False(t, stored.UseRAG)
}

func TestLoadPrunesOldCollections(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, 10, 2)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		sess := f.newSession(t)
		ids = append(ids, sess.ID)
		_, err := f.svc.LoadDocuments(ctx, sess.ID, []Upload{{Name: "doc.md", Data: []byte("content")}})
		require.NoError(t, err)
	}

	assert.Zero(t, f.index.count(ids[0]))
	assert.Equal(t, 1, f.index.count(ids[1]))
	assert.Equal(t, 1, f.index.count(ids[2]))
	assert.Equal(t, []string{ids[0]}, f.graph.deleted)

	oldest, err := f.sessions.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, oldest.Sources)
	assert.False(t, oldest.UseRAG)
	assert.False(t, oldest.RAGAvailable())
}

func TestPurgeRemovesEverything(t *testing.T) {
	f := newFixture(t, stubEmbedder{}, 10, 20)
	ctx := context.Background()
	sess := f.newSession(t)
	_, err := f.svc.LoadDocuments(ctx, sess.ID, []Upload{{Name: "a.md", Data: []byte("alpha")}})
	require.NoError(t, err)

	require.NoError(t, f.svc.Purge(ctx))

	assert.Zero(t, f.index.count(sess.ID))
	assert.True(t, f.graph.purged)
	_, err = f.sessions.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}
