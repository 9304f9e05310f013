package chat

const (
	ModeDirect = "direct"
	ModeRAG    = "rag"
)

type ChunkResult struct {
	ChunkID    string
	DocumentID string
	Title      string
	Source     string
	Content    string
	Score      float64
}

type RelatedDocument struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Source string `json:"source"`
}

type DocumentInsight struct {
	ChunkCount       int               `json:"chunkCount"`
	RelatedDocuments []RelatedDocument `json:"relatedDocuments,omitempty"`
}

type Source struct {
	DocumentID string           `json:"documentId"`
	Title      string           `json:"title"`
	Source     string           `json:"source"`
	Snippet    string           `json:"snippet"`
	Score      float64          `json:"score"`
	Insight    *DocumentInsight `json:"insight,omitempty"`
}

// Options tweak one chat turn. A nil UseRAG keeps the session's current toggle.
type Options struct {
	UseRAG *bool
}

type Reply struct {
	Answer  string   `json:"answer"`
	Mode    string   `json:"mode"`
	Query   string   `json:"query,omitempty"`
	Sources []Source `json:"sources"`
}

type DocumentList struct {
	Count     int      `json:"count"`
	Documents []string `json:"documents"`
}
