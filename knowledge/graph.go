// Package knowledge mirrors each session's indexed documents into a Neo4j graph.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Document struct {
	ID        string
	SessionID string
	Source    string
	Kind      string
	Title     string
	SHA       string
	Chunks    []Chunk
}

type Chunk struct {
	ID    string
	Index int
	Text  string
}

func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, doc Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if doc.ID == "" || doc.SessionID == "" {
		return fmt.Errorf("document id and session id are required")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"id":         doc.ID,
		"session_id": doc.SessionID,
		"source":     doc.Source,
		"kind":       doc.Kind,
		"title":      doc.Title,
		"sha":        doc.SHA,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (s:Session {id: $session_id})
			ON CREATE SET s.created_at = datetime()
			MERGE (d:Document {id: $id})
			SET d.source = $source,
			    d.kind = $kind,
			    d.title = $title,
			    d.sha256 = $sha,
			    d.updated_at = datetime()
			MERGE (s)-[:HAS_DOCUMENT]->(d)
		`, params); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, map[string]any{"id": doc.ID}); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		if len(doc.Chunks) == 0 {
			return nil, nil
		}

		rows := make([]map[string]any, len(doc.Chunks))
		for i, chunk := range doc.Chunks {
			rows[i] = map[string]any{
				"id":    chunk.ID,
				"index": chunk.Index,
				"text":  chunk.Text,
			}
		}
		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $doc_id})
			UNWIND $chunks AS row
			MERGE (c:Chunk {id: row.id})
			SET c.index = row.index,
			    c.text = row.text
			MERGE (d)-[:HAS_CHUNK {order: row.index}]->(c)
		`, map[string]any{"doc_id": doc.ID, "chunks": rows}); err != nil {
			return nil, fmt.Errorf("upsert chunk nodes: %w", err)
		}

		return nil, nil
	})

	return err
}

// DeleteSessions removes the given sessions together with their documents and chunks.
func DeleteSessions(ctx context.Context, driver neo4j.DriverWithContext, sessionIDs []string) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if len(sessionIDs) == 0 {
		return nil
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (s:Session)
			WHERE s.id IN $ids
			OPTIONAL MATCH (s)-[:HAS_DOCUMENT]->(d:Document)
			OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c, d, s
		`, map[string]any{"ids": sessionIDs}); err != nil {
			return nil, fmt.Errorf("delete session graph: %w", err)
		}
		return nil, nil
	})
	return err
}

// Purge wipes every node this service owns.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (c:Chunk) DETACH DELETE c",
		"MATCH (d:Document) DETACH DELETE d",
		"MATCH (s:Session) DETACH DELETE s",
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return fmt.Errorf("run purge query: %w", err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("consume purge query: %w", err)
		}
	}
	return nil
}

// Graph binds the package functions to one driver so services can depend on a small interface.
type Graph struct {
	driver neo4j.DriverWithContext
}

func NewGraph(driver neo4j.DriverWithContext) *Graph {
	return &Graph{driver: driver}
}

func (g *Graph) SyncDocument(ctx context.Context, doc Document) error {
	return SyncDocument(ctx, g.driver, doc)
}

func (g *Graph) DeleteSessions(ctx context.Context, sessionIDs []string) error {
	return DeleteSessions(ctx, g.driver, sessionIDs)
}

func (g *Graph) Purge(ctx context.Context) error {
	return Purge(ctx, g.driver)
}
