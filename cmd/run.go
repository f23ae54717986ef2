package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/v-shaal/arbitageX/internal/model"
)

var (
	runURL   string
	runQuery string
	runWait  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <company>",
	Short: "Run a research pipeline for one company and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Dispatcher.Start(ctx)

		masterID, err := env.Dispatcher.Submit(ctx, model.MasterInput{
			Company: args[0],
			URL:     runURL,
			Query:   runQuery,
		})
		if err != nil {
			return err
		}
		fmt.Printf("pipeline started: %s\n", masterID)

		deadline := time.Now().Add(runWait)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				zap.L().Info("interrupted, cancelling pipeline", zap.String("master_id", masterID))
				return env.Dispatcher.Cancel(cmd.Context(), masterID)
			case <-ticker.C:
			}

			t, err := env.Store.GetTask(ctx, masterID)
			if err != nil {
				return eris.Wrap(err, "poll master task")
			}
			if !t.Status.Terminal() {
				if time.Now().After(deadline) {
					return eris.Errorf("pipeline %s still %s after %s", masterID, t.Status, runWait)
				}
				continue
			}

			switch t.Status {
			case model.StatusCompleted:
				var out model.MasterOutput
				if err := json.Unmarshal(t.Output, &out); err != nil {
					return eris.Wrap(err, "decode pipeline result")
				}
				fmt.Printf("completed: %s\n", out.Summary)
				for _, id := range out.RecordIDs {
					fmt.Printf("  record %s\n", id)
				}
			case model.StatusFailed:
				fmt.Printf("failed at %s stage: %s\n", t.Error.Stage, t.Error.Message)
			case model.StatusCancelled:
				fmt.Println("cancelled")
			}
			return nil
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runURL, "url", "", "known company website")
	runCmd.Flags().StringVar(&runQuery, "query", "", "override the search query")
	runCmd.Flags().DurationVar(&runWait, "wait", 10*time.Minute, "how long to wait for completion")
	rootCmd.AddCommand(runCmd)
}
