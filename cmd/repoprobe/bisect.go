package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/repoprobe/repoprobe/internal/config"
	"github.com/repoprobe/repoprobe/internal/jobs"
)

var (
	bisectConfigPath  string
	bisectRepoURL     string
	bisectTestCommand string
	bisectBadCommit   string
	bisectGoodCommit  string
)

var bisectCmd = &cobra.Command{
	Use:   "bisect",
	Short: "Run a single bisection and wait for the result",
	Example: `  repoprobe bisect \
    --repo https://github.com/acme/widget \
    --test "go test ./..." \
    --bad HEAD --good v1.2.0`,
	RunE: runBisect,
}

func init() {
	bisectCmd.Flags().StringVar(&bisectConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	bisectCmd.Flags().StringVar(&bisectRepoURL, "repo", "", "repository URL (required)")
	bisectCmd.Flags().StringVar(&bisectTestCommand, "test", "", "test command; exits 0 on good commits (required)")
	bisectCmd.Flags().StringVar(&bisectBadCommit, "bad", "HEAD", "known-bad commit, tag, or ref")
	bisectCmd.Flags().StringVar(&bisectGoodCommit, "good", "", "known-good commit, tag, or ref (required)")
	_ = bisectCmd.MarkFlagRequired("repo")
	_ = bisectCmd.MarkFlagRequired("test")
	_ = bisectCmd.MarkFlagRequired("good")
}

func runBisect(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(bisectConfigPath)
	if err != nil {
		return err
	}

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job, err := c.Engine.Submit(ctx, jobs.Request{
		RepoURL:     bisectRepoURL,
		TestCommand: bisectTestCommand,
		BadCommit:   bisectBadCommit,
		GoodCommit:  bisectGoodCommit,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "job %s submitted\n", job.ID)

	updates, cancel, err := c.Engine.Subscribe(ctx, job.ID)
	if err != nil {
		return err
	}
	defer cancel()

	for update := range updates {
		if update.Progress != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", update.Status, update.Progress)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s]\n", update.Status)
		}
	}

	// Channel closed: the job is terminal (or the context died).
	if ctx.Err() != nil {
		return ctx.Err()
	}

	final, err := c.Engine.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	c.Shutdown(shutdownCtx)

	switch final.Status {
	case jobs.StatusCompleted:
		fmt.Fprintf(cmd.OutOrStdout(), "first bad commit: %s\n", final.IdentifiedCommit)
		return nil
	case jobs.StatusFailed:
		return fmt.Errorf("bisect failed: %s", final.Error)
	default:
		return fmt.Errorf("bisect errored: %s", final.Error)
	}
}
