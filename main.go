package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabfab/docchat/api"
	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/config"
	"github.com/fabfab/docchat/ingestion"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := newRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "docchat",
		Short:        "Chat with your documents",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./docchat.yaml and ./config/)")

	loadConfig := func() (config.Config, error) {
		return config.Load(cfgPath)
	}

	root.AddCommand(
		serveCmd(loadConfig, logger),
		ingestCmd(loadConfig, logger),
		chatCmd(loadConfig, logger),
		sessionsCmd(loadConfig, logger),
		clearCmd(loadConfig, logger),
	)
	return root
}

type configLoader func() (config.Config, error)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd(load configLoader, logger *log.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := api.New(a.chat, api.Options{Config: cfg.Server, Metrics: a.metrics, Logger: logger})
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}

func ingestCmd(load configLoader, logger *log.Logger) *cobra.Command {
	var (
		sessionID string
		file      string
		dir       string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Upload a file or a directory of documents into a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(sessionID) == "" {
				return fmt.Errorf("--session is required")
			}
			if (file == "") == (dir == "") {
				return fmt.Errorf("exactly one of --file or --dir is required")
			}
			if watch && dir == "" {
				return fmt.Errorf("--watch requires --dir")
			}

			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			svc := ingestion.NewService(func(ctx context.Context, doc ingestion.Document) (int, error) {
				stored, err := a.chat.UploadDocument(ctx, sessionID, chat.Upload{
					Filename:    doc.Filename,
					ContentType: doc.ContentType,
					Size:        doc.Size,
					Text:        doc.Text,
				})
				if err != nil {
					return 0, err
				}
				return stored.ChunkCount, nil
			}, logger)

			if file != "" {
				_, err := svc.IngestFile(ctx, file)
				return err
			}

			count, err := svc.IngestDirectory(ctx, dir)
			if err != nil {
				return err
			}
			logger.Printf("ingested %d files from %s", count, dir)

			if watch {
				return svc.WatchDirectory(ctx, dir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "target session id")
	cmd.Flags().StringVar(&file, "file", "", "document to upload (pdf, md, csv, txt)")
	cmd.Flags().StringVar(&dir, "dir", "", "directory of documents to upload")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching --dir for new or changed files")
	return cmd
}

func chatCmd(load configLoader, logger *log.Logger) *cobra.Command {
	var (
		sessionID string
		question  string
		stream    bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask a question about a session's documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(sessionID) == "" {
				return fmt.Errorf("--session is required")
			}
			if strings.TrimSpace(question) == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Enter your question: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if scanner.Scan() {
					question = scanner.Text()
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read question: %w", err)
				}
			}

			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if stream {
				_, err := a.chat.ChatStream(ctx, sessionID, question, func(fragment string) error {
					_, err := fmt.Fprint(out, fragment)
					return err
				})
				fmt.Fprintln(out)
				return err
			}

			reply, err := a.chat.Chat(ctx, sessionID, question)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, reply.Response)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to query")
	cmd.Flags().StringVar(&question, "question", "", "question to ask (prompted when empty)")
	cmd.Flags().BoolVar(&stream, "stream", false, "print the answer as it is generated")
	return cmd
}

func sessionsCmd(load configLoader, logger *log.Logger) *cobra.Command {
	var create string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, newest first, or create one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if create != "" {
				s, err := a.chat.CreateSession(ctx, create)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s.ID)
				return nil
			}

			sessions, err := a.chat.ListSessions(ctx)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Fprintf(out, "%s\t%s\t%s\t%d messages\n", s.ID, s.Name, s.CreatedAt.Format("2006-01-02 15:04:05"), s.MessageCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&create, "create", "", "create a session with this name and print its id")
	return cmd
}

func clearCmd(load configLoader, logger *log.Logger) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every session, transcript and indexed document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				fmt.Fprint(cmd.OutOrStdout(), "This will permanently delete all sessions and indexed documents. Continue? [y/N]: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
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

			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.purge(ctx)
			if err != nil {
				return err
			}
			logger.Printf("removed %d sessions", count)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "skip confirmation prompt")
	return cmd
}
