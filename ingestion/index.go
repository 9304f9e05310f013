package ingestion

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/UditanshuPandey/RAG-Xpert/database"
	"github.com/UditanshuPandey/RAG-Xpert/knowledge"
)

// IndexedDocument is a parsed source with its chunks and their embeddings, ready to be stored.
type IndexedDocument struct {
	SessionID  string
	Source     string
	Kind       DocumentFormat
	Title      string
	SHA        string
	Chunks     []string
	Embeddings [][]float32
}

// Index stores chunk embeddings per session collection.
type Index interface {
	Store(ctx context.Context, doc IndexedDocument) (knowledge.Document, error)
	StaleSessions(ctx context.Context, keep int) ([]string, error)
	DeleteSessions(ctx context.Context, sessionIDs []string) error
	Purge(ctx context.Context) error
}

type PostgresIndex struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func NewPostgresIndex(pool *pgxpool.Pool, logger *log.Logger) *PostgresIndex {
	if logger == nil {
		logger = log.Default()
	}
	return &PostgresIndex{pool: pool, logger: logger}
}

// Store replaces any previous copy of the same source in the session and returns the stored document.
func (p *PostgresIndex) Store(ctx context.Context, doc IndexedDocument) (stored knowledge.Document, err error) {
	if p.pool == nil {
		return knowledge.Document{}, fmt.Errorf("postgres pool is nil")
	}
	if len(doc.Chunks) != len(doc.Embeddings) {
		return knowledge.Document{}, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(doc.Chunks), len(doc.Embeddings))
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				p.logger.Printf("rollback error: %v", rbErr)
			}
		}
	}()

	var docID uuid.UUID
	if err = tx.QueryRow(ctx, `
		INSERT INTO rag_documents (id, session_id, source, kind, title, sha256, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (session_id, source) DO UPDATE
		SET kind = EXCLUDED.kind,
		    title = EXCLUDED.title,
		    sha256 = EXCLUDED.sha256,
		    updated_at = NOW()
		RETURNING id
	`, uuid.New(), doc.SessionID, doc.Source, string(doc.Kind), doc.Title, doc.SHA).Scan(&docID); err != nil {
		return knowledge.Document{}, fmt.Errorf("upsert document: %w", err)
	}

	if _, err = tx.Exec(ctx, "DELETE FROM rag_chunks WHERE document_id = $1", docID); err != nil {
		return knowledge.Document{}, fmt.Errorf("clear existing chunks: %w", err)
	}

	chunkNodes := make([]knowledge.Chunk, 0, len(doc.Chunks))
	for idx, text := range doc.Chunks {
		chunkID := uuid.New()
		chunkNodes = append(chunkNodes, knowledge.Chunk{ID: chunkID.String(), Index: idx, Text: text})

		if _, err = tx.Exec(ctx, `
			INSERT INTO rag_chunks (id, document_id, session_id, chunk_index, content, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`, chunkID, docID, doc.SessionID, idx, text, pgvector.NewVector(doc.Embeddings[idx])); err != nil {
			return knowledge.Document{}, fmt.Errorf("insert chunk %d: %w", idx, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return knowledge.Document{}, fmt.Errorf("commit transaction: %w", err)
	}

	return knowledge.Document{
		ID:        docID.String(),
		SessionID: doc.SessionID,
		Source:    doc.Source,
		Kind:      string(doc.Kind),
		Title:     doc.Title,
		SHA:       doc.SHA,
		Chunks:    chunkNodes,
	}, nil
}

// StaleSessions lists the sessions beyond the newest keep collections, ranked by their latest document.
func (p *PostgresIndex) StaleSessions(ctx context.Context, keep int) ([]string, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if keep < 0 {
		keep = 0
	}

	rows, err := p.pool.Query(ctx, `
		SELECT session_id
		FROM rag_documents
		GROUP BY session_id
		ORDER BY MAX(created_at) DESC
		OFFSET $1
	`, keep)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return ids, nil
}

func (p *PostgresIndex) DeleteSessions(ctx context.Context, sessionIDs []string) error {
	if p.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if len(sessionIDs) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, "DELETE FROM rag_documents WHERE session_id = ANY($1)", sessionIDs); err != nil {
		return fmt.Errorf("delete collections: %w", err)
	}
	return nil
}

func (p *PostgresIndex) Purge(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	return database.TruncateRAG(ctx, p.pool)
}
