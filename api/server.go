// Package api exposes chat sessions, document loading and retrieval-augmented chat over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/UditanshuPandey/RAG-Xpert/chat"
	"github.com/UditanshuPandey/RAG-Xpert/config"
	"github.com/UditanshuPandey/RAG-Xpert/ingestion"
	"github.com/UditanshuPandey/RAG-Xpert/session"
)

const (
	maxFilesPerUpload = 10
	limiterIdleTTL    = 30 * time.Minute
)

type ChatService interface {
	Reply(ctx context.Context, sessionID, prompt string, opts chat.Options, streamFn func(string) error) (chat.Reply, error)
	ToggleRAG(ctx context.Context, sessionID string, enabled bool) (*session.Session, error)
	ClearChat(ctx context.Context, sessionID string) (*session.Session, error)
	Documents(ctx context.Context, sessionID string) (chat.DocumentList, error)
}

type IngestionService interface {
	LoadDocuments(ctx context.Context, sessionID string, uploads []ingestion.Upload) (ingestion.Result, error)
	LoadURL(ctx context.Context, sessionID, rawURL string) (ingestion.Result, error)
	Purge(ctx context.Context) error
}

type Dependencies struct {
	Sessions  session.Store
	Chat      ChatService
	Ingestion IngestionService
	Gatherer  prometheus.Gatherer
}

// Server exposes HTTP handlers for sessions, document loading and chat.
type Server struct {
	cfg      config.Config
	deps     Dependencies
	logger   *log.Logger
	limiters *sessionLimiters
	engine   *gin.Engine
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type sessionView struct {
	ID           string            `json:"id"`
	Messages     []session.Message `json:"messages"`
	Sources      []string          `json:"sources"`
	UseRAG       bool              `json:"useRag"`
	RAGAvailable bool              `json:"ragAvailable"`
}

type urlRequest struct {
	URL string `json:"url" binding:"required"`
}

type ragRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type messageRequest struct {
	Content string `json:"content"`
	UseRAG  *bool  `json:"useRag"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

// New constructs a Server wired to the given services.
func New(cfg config.Config, deps Dependencies, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		limiters: newSessionLimiters(cfg.ChatRatePerMinute),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(s.logger.Writer()), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		MaxAge:          12 * time.Hour,
	}))
	r.HandleMethodNotAllowed = true
	if s.cfg.RAG.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = s.cfg.RAG.MaxUploadBytes
	}

	r.GET("/", s.handleRoot)
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/clear", s.handleClear)

	sessions := v1.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("/:id", s.handleGetSession)
	sessions.POST("/:id/documents", s.handleUploadDocuments)
	sessions.GET("/:id/documents", s.handleListDocuments)
	sessions.POST("/:id/urls", s.handleLoadURL)
	sessions.PUT("/:id/rag", s.handleToggleRAG)
	sessions.DELETE("/:id/messages", s.handleClearMessages)
	sessions.POST("/:id/messages", s.handleMessage)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Create(c.Request.Context())
	if err != nil {
		s.writeError(c, fmt.Errorf("create session: %w", err))
		return
	}
	c.JSON(http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) handleUploadDocuments(c *gin.Context) {
	if s.cfg.RAG.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.RAG.MaxUploadBytes*maxFilesPerUpload)
	}

	form, err := c.MultipartForm()
	if err != nil {
		s.writeStatus(c, http.StatusBadRequest, fmt.Errorf("read multipart form: %w", err))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		s.writeStatus(c, http.StatusBadRequest, fmt.Errorf("no files provided in form field \"files\""))
		return
	}
	if len(files) > maxFilesPerUpload {
		s.writeStatus(c, http.StatusBadRequest, fmt.Errorf("at most %d files per upload", maxFilesPerUpload))
		return
	}

	uploads := make([]ingestion.Upload, 0, len(files))
	for _, fh := range files {
		data, err := readUpload(fh, s.cfg.RAG.MaxUploadBytes)
		if err != nil {
			s.writeStatus(c, http.StatusBadRequest, fmt.Errorf("read %s: %w", fh.Filename, err))
			return
		}
		uploads = append(uploads, ingestion.Upload{Name: fh.Filename, Data: data})
	}

	result, err := s.deps.Ingestion.LoadDocuments(c.Request.Context(), c.Param("id"), uploads)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleLoadURL(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeStatus(c, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	result, err := s.deps.Ingestion.LoadURL(c.Request.Context(), c.Param("id"), req.URL)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListDocuments(c *gin.Context) {
	docs, err := s.deps.Chat.Documents(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (s *Server) handleToggleRAG(c *gin.Context) {
	var req ragRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeStatus(c, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	sess, err := s.deps.Chat.ToggleRAG(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) handleClearMessages(c *gin.Context) {
	sess, err := s.deps.Chat.ClearChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) handleMessage(c *gin.Context) {
	sessionID := c.Param("id")

	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeStatus(c, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(c, chat.ErrEmptyPrompt)
		return
	}
	if _, err := s.deps.Sessions.Get(c.Request.Context(), sessionID); err != nil {
		s.writeError(c, err)
		return
	}
	if !s.limiters.allow(sessionID) {
		s.writeStatus(c, http.StatusTooManyRequests, fmt.Errorf("too many messages, slow down"))
		return
	}

	opts := chat.Options{UseRAG: req.UseRAG}
	if !wantsStream(c.Request) {
		reply, err := s.deps.Chat.Reply(c.Request.Context(), sessionID, req.Content, opts, nil)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, reply)
		return
	}

	started := false
	reply, err := s.deps.Chat.Reply(c.Request.Context(), sessionID, req.Content, opts, func(chunk string) error {
		if !started {
			startStream(c)
			started = true
		}
		c.SSEvent("token", chunk)
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		if !started {
			s.writeError(c, err)
			return
		}
		s.logger.Printf("chat stream for session %s failed: %v", sessionID, err)
		c.SSEvent("error", errorResponse{Error: err.Error()})
		c.Writer.Flush()
		return
	}

	if !started {
		startStream(c)
	}
	c.SSEvent("done", reply)
	c.Writer.Flush()
}

func (s *Server) handleClear(c *gin.Context) {
	var req clearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeStatus(c, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if !req.Confirm {
		s.writeStatus(c, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	if err := s.deps.Ingestion.Purge(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Println("RAG data removed")
	c.JSON(http.StatusOK, messageResponse{Message: "rag data cleared"})
}

func (s *Server) writeError(c *gin.Context, err error) {
	s.writeStatus(c, statusFor(err), err)
}

func (s *Server) writeStatus(c *gin.Context, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrEmptyPrompt),
		errors.Is(err, ingestion.ErrInvalidURL),
		errors.Is(err, ingestion.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrRAGUnavailable),
		errors.Is(err, chat.ErrTurnInProgress),
		errors.Is(err, ingestion.ErrDuplicateSource):
		return http.StatusConflict
	case errors.Is(err, ingestion.ErrDocumentLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ingestion.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func viewOf(sess *session.Session) sessionView {
	messages := sess.Messages
	if messages == nil {
		messages = []session.Message{}
	}
	sources := sess.Sources
	if sources == nil {
		sources = []string{}
	}
	return sessionView{
		ID:           sess.ID,
		Messages:     messages,
		Sources:      sources,
		UseRAG:       sess.RAGActive(),
		RAGAvailable: sess.RAGAvailable(),
	}
}

func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	if limit > 0 && fh.Size > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func startStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

// sessionLimiters throttles chat turns per session.
type sessionLimiters struct {
	mu        sync.Mutex
	perMinute int
	entries   map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSessionLimiters(perMinute int) *sessionLimiters {
	return &sessionLimiters{perMinute: perMinute, entries: make(map[string]*limiterEntry)}
}

func (l *sessionLimiters) allow(sessionID string) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.entries[sessionID]
	if !ok {
		l.sweep(now)
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.entries[sessionID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *sessionLimiters) sweep(now time.Time) {
	for id, entry := range l.entries {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.entries, id)
		}
	}
}
