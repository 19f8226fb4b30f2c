package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	rag "github.com/verdemuse/assistant"
	"github.com/verdemuse/assistant/common/httpx"
	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/config"
	"github.com/verdemuse/assistant/knowledge"
	"github.com/verdemuse/assistant/memory"
	"github.com/verdemuse/assistant/retriever"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "verdemuse",
		Short:         "VerdeMuse customer support assistant",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			logger.Init(loaded.Log.Level, loaded.Log.Format)
			cfg = loaded
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(func() *config.Config { return cfg }),
		newIngestCmd(func() *config.Config { return cfg }),
		newCleanupCmd(func() *config.Config { return cfg }),
	)
	return root
}

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := rag.NewRAGClient(ctx, cfg())
			if err != nil {
				return err
			}
			defer client.Close()
			client.Start()

			return rag.NewServer(client).ListenAndServe(ctx)
		},
	}
}

func newIngestCmd(cfg func() *config.Config) *cobra.Command {
	var file string
	var batch int
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load the product and FAQ knowledge base into the document index",
		RunE: func(cmd *cobra.Command, args []string) error {
			kb, err := knowledge.Load(file)
			if err != nil {
				return err
			}
			index, err := retriever.New(cfg(), httpx.NewFromConfig(&cfg().HTTP))
			if err != nil {
				return err
			}
			if index == nil {
				return fmt.Errorf("no document index configured")
			}
			if closer, ok := index.(io.Closer); ok {
				defer closer.Close()
			}
			w, ok := index.(retriever.Writer)
			if !ok {
				return fmt.Errorf("index provider %s does not accept documents", index.Type())
			}
			n, err := knowledge.Ingest(cmd.Context(), w, knowledge.Documents(kb), batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully loaded %d documents into the %s index.\n", n, index.Type())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "knowledge base YAML (defaults to the built-in catalogue)")
	cmd.Flags().IntVar(&batch, "batch", 32, "documents per write")
	return cmd
}

func newCleanupCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one expired-conversation cleanup pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg().Memory.CleanupTimeout())
			defer cancel()
			manager, err := memory.NewManagerFromConfig(ctx, cfg().Memory)
			if err != nil {
				return err
			}
			defer manager.Close()
			n := manager.CleanupExpiredConversations(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up %d expired conversations\n", n)
			return nil
		},
	}
}
