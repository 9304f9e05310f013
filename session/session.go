// Package session keeps per-user chat state: the conversation, the loaded RAG sources and the RAG toggle.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	greetingPrompt = "Hello"
	greetingReply  = "Hi there! How can I assist you today?"
)

var ErrNotFound = errors.New("session not found")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Session struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	Sources   []string  `json:"sources"`
	UseRAG    bool      `json:"useRag"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists sessions between requests.
type Store interface {
	Create(ctx context.Context) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// New returns a session seeded with the opening exchange.
func New() *Session {
	now := time.Now().UTC()
	return &Session{
		ID: uuid.New().String(),
		Messages: []Message{
			{Role: RoleUser, Content: greetingPrompt},
			{Role: RoleAssistant, Content: greetingReply},
		},
		Sources:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RAGAvailable reports whether at least one source has been indexed for this session.
func (s *Session) RAGAvailable() bool {
	return len(s.Sources) > 0
}

// RAGActive is the effective toggle: a stale toggle without sources counts as off.
func (s *Session) RAGActive() bool {
	return s.UseRAG && s.RAGAvailable()
}

func (s *Session) HasSource(source string) bool {
	for _, existing := range s.Sources {
		if existing == source {
			return true
		}
	}
	return false
}

func (s *Session) AddSource(source string) {
	if s.HasSource(source) {
		return
	}
	s.Sources = append(s.Sources, source)
}

func (s *Session) Append(role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

// ClearMessages drops the whole conversation. The greeting is not restored.
func (s *Session) ClearMessages() {
	s.Messages = []Message{}
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}

func clone(s *Session) *Session {
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	cp.Sources = append([]string(nil), s.Sources...)
	if cp.Messages == nil {
		cp.Messages = []Message{}
	}
	if cp.Sources == nil {
		cp.Sources = []string{}
	}
	return &cp
}
