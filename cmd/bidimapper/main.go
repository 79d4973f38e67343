// Command bidimapper serves WebDriver BiDi on top of a running
// Chromium-family browser's DevTools endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chengweih001/chromium-bidi/internal/cdp"
	"github.com/chengweih001/chromium-bidi/internal/mapper"
	"github.com/chengweih001/chromium-bidi/internal/transport"
)

var version = "dev"

var (
	cdpURL              string
	port                int
	pipePath            string
	verbose             bool
	acceptInsecureCerts bool
	promptBehavior      string
	idleTimeout         time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "bidimapper",
		Short:   "WebDriver BiDi to Chrome DevTools Protocol mapper",
		Version: version,
		RunE:    run,
	}

	rootCmd.Flags().StringVar(&cdpURL, "cdp-url", "", "WebSocket URL of the browser's DevTools endpoint (required)")
	rootCmd.Flags().IntVar(&port, "port", 9222, "Port to serve BiDi clients on (0 for OS-assigned)")
	rootCmd.Flags().StringVar(&pipePath, "pipe", "", "Also serve BiDi on a local pipe at this path")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().BoolVar(&acceptInsecureCerts, "accept-insecure-certs", false, "Ignore certificate errors")
	rootCmd.Flags().StringVar(&promptBehavior, "unhandled-prompt-behavior", "", "What to do with unhandled prompts: accept, dismiss or ignore")
	rootCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "Cap on per-command waits (0 = no timeout)")
	rootCmd.MarkFlagRequired("cdp-url")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	client, err := cdp.Dial(cdpURL, log)
	if err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	engine := mapper.New(client, mapper.Config{
		AcceptInsecureCerts:     acceptInsecureCerts,
		UnhandledPromptBehavior: mapper.PromptBehavior(promptBehavior),
		IdleTimeout:             idleTimeout,
	}, log)
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err2 := engine.Start(ctx)
	cancel()
	if err2 != nil {
		return fmt.Errorf("browser handshake failed: %s", err2.Message)
	}

	server := transport.NewServer(port, engine, log)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(shutdownCtx)
	}()

	if pipePath != "" {
		pipe := transport.NewPipeServer(pipePath, engine, log)
		if err := pipe.Start(); err != nil {
			return err
		}
		defer pipe.Stop()
	}

	fmt.Printf("BiDi server listening on ws://localhost:%d/session\n", server.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-engine.Done():
	}
	return nil
}
