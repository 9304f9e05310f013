package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/UditanshuPandey/RAG-Xpert/api"
	"github.com/UditanshuPandey/RAG-Xpert/chat"
	"github.com/UditanshuPandey/RAG-Xpert/config"
	"github.com/UditanshuPandey/RAG-Xpert/ingestion"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := rootCmd(logger).Execute(); err != nil {
		logger.Fatalf("%v", err)
	}
}

func rootCmd(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rag-xpert",
		Short:         "Chat with your documents, with or without retrieval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(serveCmd(logger), ingestCmd(logger), chatCmd(logger), clearCmd(logger))
	return cmd
}

var errEphemeralSessions = errors.New("REDIS_ADDR not set: sessions would not outlive this command")

func loadApp(ctx context.Context, logger *log.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger)
}

// loadSessionApp is loadApp for commands whose session must be reachable by later runs.
func loadSessionApp(ctx context.Context, logger *log.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := requireDurableSessions(cfg); err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger)
}

func requireDurableSessions(cfg config.Config) error {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errEphemeralSessions
	}
	return nil
}

func serveCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the collection pruner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := loadApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			scheduler, err := a.pruner.Schedule(a.cfg.RAG.PruneSchedule, time.Minute)
			if err != nil {
				return err
			}
			defer func() { <-scheduler.Stop().Done() }()

			srv := api.New(a.cfg, api.Dependencies{
				Sessions:  a.sessions,
				Chat:      a.chat,
				Ingestion: a.ingest,
				Gatherer:  a.registry,
			}, logger)

			httpServer := &http.Server{
				Addr:              a.cfg.HTTPAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Printf("listening on %s (llm %s/%s, embeddings %s/%s)", a.cfg.HTTPAddr,
					strings.ToUpper(a.cfg.LLM.Provider), a.cfg.LLM.Model,
					strings.ToUpper(a.cfg.Embeddings.Provider), a.cfg.Embeddings.Model)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Println("shutting down")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			return nil
		},
	}
}

func ingestCmd(logger *log.Logger) *cobra.Command {
	var (
		sessionID string
		urls      []string
	)

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Load files and web pages into a session's collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(urls) == 0 {
				return fmt.Errorf("nothing to ingest: pass files and/or --url")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := loadSessionApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			sessionID, err = ensureSession(ctx, a, sessionID)
			if err != nil {
				return err
			}
			fmt.Printf("session: %s\n", sessionID)

			if len(args) > 0 {
				uploads := make([]ingestion.Upload, 0, len(args))
				for _, path := range args {
					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("read %s: %w", path, err)
					}
					uploads = append(uploads, ingestion.Upload{Name: filepath.Base(path), Data: data})
				}
				result, err := a.ingest.LoadDocuments(ctx, sessionID, uploads)
				if err != nil {
					return fmt.Errorf("load documents: %w", err)
				}
				printResult(result)
			}

			for _, u := range urls {
				result, err := a.ingest.LoadURL(ctx, sessionID, u)
				if err != nil {
					logger.Printf("load %s: %v", u, err)
					continue
				}
				printResult(result)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session id (a new session is created when empty)")
	cmd.Flags().StringArrayVar(&urls, "url", nil, "web page to load (repeatable)")
	return cmd
}

func chatCmd(logger *log.Logger) *cobra.Command {
	var (
		sessionID string
		question  string
		useRAG    bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask one question in a session and stream the answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(question) == "" {
				fmt.Print("Your message: ")
				scanner := bufio.NewScanner(os.Stdin)
				if scanner.Scan() {
					question = scanner.Text()
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read question: %w", err)
				}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := loadSessionApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			sessionID, err = ensureSession(ctx, a, sessionID)
			if err != nil {
				return err
			}

			var opts chat.Options
			if cmd.Flags().Changed("rag") {
				opts.UseRAG = &useRAG
			}

			reply, err := a.chat.Reply(ctx, sessionID, question, opts, func(chunk string) error {
				_, err := fmt.Print(chunk)
				return err
			})
			if err != nil {
				return fmt.Errorf("chat failed: %w", err)
			}
			fmt.Println()

			if reply.Mode == chat.ModeRAG {
				fmt.Printf("\nSearch query: %s\n", reply.Query)
			}
			if len(reply.Sources) > 0 {
				fmt.Println("Sources:")
				for idx, source := range reply.Sources {
					fmt.Printf("%d. %s (%s) score %.3f\n", idx+1, source.Title, source.Source, source.Score)
					if source.Insight == nil {
						continue
					}
					if source.Insight.ChunkCount > 0 {
						fmt.Printf("   Indexed chunks: %d\n", source.Insight.ChunkCount)
					}
					for _, related := range source.Insight.RelatedDocuments {
						fmt.Printf("   Also loaded: %s (%s)\n", related.Title, related.Source)
					}
				}
			}
			fmt.Printf("session: %s\n", sessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session id (a new session is created when empty)")
	cmd.Flags().StringVar(&question, "question", "", "question to ask")
	cmd.Flags().BoolVar(&useRAG, "rag", false, "answer from the session's documents")
	return cmd
}

func clearCmd(logger *log.Logger) *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every collection, graph node and session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				fmt.Print("This will permanently delete ingested RAG data and chat sessions. Continue? [y/N]: ")
				scanner := bufio.NewScanner(os.Stdin)
				if !scanner.Scan() {
					if err := scanner.Err(); err != nil {
						return fmt.Errorf("read confirmation: %w", err)
					}
					logger.Println("clear aborted")
					return nil
				}
				answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
				if answer != "y" && answer != "yes" {
					logger.Println("clear aborted")
					return nil
				}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := loadApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.ingest.Purge(ctx); err != nil {
				return err
			}
			logger.Println("RAG data removed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirmed, "confirm", false, "skip confirmation prompt")
	return cmd
}

func ensureSession(ctx context.Context, a *app, id string) (string, error) {
	if id != "" {
		if _, err := a.sessions.Get(ctx, id); err != nil {
			return "", fmt.Errorf("session %s: %w", id, err)
		}
		return id, nil
	}
	sess, err := a.sessions.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sess.ID, nil
}

func printResult(result ingestion.Result) {
	for _, loaded := range result.Loaded {
		fmt.Printf("loaded %s: %q (%d chunks)\n", loaded.Source, loaded.Title, loaded.Chunks)
	}
	for _, skipped := range result.Skipped {
		fmt.Printf("skipped %s: %s\n", skipped.Source, skipped.Reason)
	}
	for _, failed := range result.Failed {
		fmt.Printf("failed %s: %s\n", failed.Source, failed.Reason)
	}
	fmt.Printf("documents in session: %d\n", len(result.Sources))
}
