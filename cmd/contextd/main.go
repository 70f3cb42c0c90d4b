package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/contextd/contextd/internal/audit"
	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/contextstore"
	"github.com/contextd/contextd/internal/docs"
	"github.com/contextd/contextd/internal/mcpserver"
	"github.com/contextd/contextd/internal/memoryservice"
	"github.com/contextd/contextd/internal/sessioninit"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "contextd",
		Short: "Context rule store served over MCP stdio",
		RunE:  runServe,
	}

	f := rootCmd.PersistentFlags()
	f.String("contexts-dir", "./contexts", "directory of context JSON documents")
	f.Bool("auto-load", true, "load all context documents at startup")
	f.String("memory-db", "", "sqlite path for the memory service (empty disables memory integration)")
	f.Int("audit-queue", 128, "audit hook queue capacity")
	f.Int("memory-timeout", 10, "seconds allowed per memory-service call")

	// Bind flags to viper. Viper keys use underscores (contexts_dir) so they
	// match the env var suffix after stripping the CONTEXTD_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("contexts_dir", "contexts-dir")
	bindFlag("auto_load", "auto-load")
	bindFlag("memory_db", "memory-db")
	bindFlag("audit_queue", "audit-queue")
	bindFlag("memory_timeout", "memory-timeout")

	viper.SetEnvPrefix("CONTEXTD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Accept the historical env names alongside the CONTEXTD_ prefix.
	_ = viper.BindEnv("contexts_dir", "CONTEXTD_CONTEXTS_DIR", "CONTEXT_CONFIG_DIR")
	_ = viper.BindEnv("auto_load", "CONTEXTD_AUTO_LOAD", "AUTO_LOAD_CONTEXTS")

	rootCmd.AddCommand(validateCmd(), docsCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runServe wires the store, memory service, audit hook, and session
// initializer, then serves MCP over stdio until interrupted. All logging
// goes to stderr; stdout carries the protocol.
func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	log.Printf("contextd %s starting", config.Version)
	log.Printf("  contexts: %s (auto-load: %t)", cfg.ContextsDir, cfg.AutoLoad)

	timeout := time.Duration(cfg.MemoryTimeout) * time.Second

	// The memory integration is an independent subsystem: if it fails to
	// initialize, the context tools keep working without audit or session
	// initialization.
	var mem memoryservice.Service
	var recorder *audit.Recorder
	if cfg.MemoryDB != "" {
		sqlMem, err := memoryservice.Open(cfg.MemoryDB)
		if err != nil {
			log.Printf("WARNING: memory integration disabled: %v", err)
		} else {
			defer sqlMem.Close() //nolint:errcheck
			mem = sqlMem
			recorder = audit.New(mem, cfg.AuditQueue, timeout)
			recorder.Start()
			defer recorder.Close()
			log.Printf("  memory: %s", cfg.MemoryDB)
		}
	}

	var opts []contextstore.Option
	if recorder != nil {
		opts = append(opts, contextstore.WithNotifier(recorder))
	}
	store := contextstore.New(cfg.ContextsDir, cfg.AutoLoad, opts...)
	store.LoadAll()

	var init *sessioninit.Initializer
	if mem != nil {
		init = sessioninit.New(store, mem, timeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	srv := mcpserver.New(store, init, mem)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// validateCmd checks context files against the document schema without
// starting the server.
func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate context JSON files against the document schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failures := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					fmt.Printf("[ERROR] %s: %v\n", path, err)
					failures++
					continue
				}
				res := contextstore.ValidateBytes(data)
				for _, w := range res.Warnings {
					fmt.Printf("[WARN] %s: %s\n", path, w)
				}
				if res.OK() {
					fmt.Printf("[OK] %s\n", path)
					continue
				}
				fmt.Printf("[ERROR] %s: %d error(s)\n", path, len(res.Errors))
				for _, e := range res.Errors {
					fmt.Printf("  - %s\n", e)
				}
				failures += len(res.Errors)
			}
			if failures > 0 {
				return fmt.Errorf("validation failed: %d error(s)", failures)
			}
			fmt.Println("all context files valid")
			return nil
		},
	}
}

// docsCmd renders a markdown (or HTML) summary of the loaded contexts.
func docsCmd() *cobra.Command {
	var asHTML bool
	var output string

	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Render a summary of all context documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			store := contextstore.New(cfg.ContextsDir, true)
			if store.LoadAll() == 0 {
				return fmt.Errorf("no context documents found in %s", cfg.ContextsDir)
			}

			out := docs.Markdown(store.All())
			if asHTML {
				html, err := docs.HTML(out)
				if err != nil {
					return err
				}
				out = html
			}

			if output == "" {
				fmt.Print(out)
				return nil
			}
			if err := os.WriteFile(output, []byte(out), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asHTML, "html", false, "render HTML instead of markdown")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the contextd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(config.Version)
		},
	}
}
