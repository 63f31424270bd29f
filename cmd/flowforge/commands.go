// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/flowforge/pkg/logging"
	"github.com/AleutianAI/flowforge/services/builder/api"
	"github.com/AleutianAI/flowforge/services/builder/pipeline"
	"github.com/AleutianAI/flowforge/services/builder/session"
)

var (
	configPath string
	outPath    string

	rootCmd = &cobra.Command{
		Use:   "flowforge",
		Short: "Build automation workflows from natural-language requests",
		Long: `Flowforge turns a plain-language automation request into a
validated workflow graph through a five-stage pipeline:
discover, configure, build, validate, document.`,
	}

	runCmd = &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run the full pipeline for a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}

	resumeCmd = &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Resume a paused or interrupted session",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the builder HTTP API",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	runCmd.Flags().StringVarP(&outPath, "out", "o", "", "write the workflow JSON to a file instead of stdout")
	resumeCmd.Flags().StringVarP(&outPath, "out", "o", "", "write the workflow JSON to a file instead of stdout")

	rootCmd.AddCommand(runCmd, resumeCmd, serveCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	env, err := setup(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	res, err := env.driver.Run(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		return err
	}
	return finishRun(cmd.Context(), env, res)
}

func runResume(cmd *cobra.Command, args []string) error {
	env, err := setup(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	res, err := env.driver.Resume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return finishRun(cmd.Context(), env, res)
}

// finishRun reports a pipeline result, answering clarification pauses
// interactively from stdin.
func finishRun(ctx context.Context, env *runtime, res *pipeline.Result) error {
	for res.Status == pipeline.StatusAwaitingClarification {
		fmt.Fprintf(os.Stderr, "\nThe builder needs more detail:\n  %s\n> ", res.Clarification.Question)
		reader := bufio.NewReader(os.Stdin)
		answer, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read answer: %w", err)
		}
		res, err = env.driver.Clarify(ctx, res.SessionID, res.Clarification.ID, strings.TrimSpace(answer))
		if err != nil {
			return err
		}
	}

	switch res.Status {
	case pipeline.StatusComplete:
		return emitWorkflow(res)
	case pipeline.StatusFailed:
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "Pipeline failed in %s: %s\n", res.Phase, res.Err.UserMessage)
			if res.Err.Retryable() {
				fmt.Fprintf(os.Stderr, "The session can be resumed: flowforge resume %s\n", res.SessionID)
			}
			return fmt.Errorf("pipeline failed: %w", res.Err)
		}
		return fmt.Errorf("pipeline failed in %s", res.Phase)
	}
	return fmt.Errorf("unexpected pipeline status %q", res.Status)
}

func emitWorkflow(res *pipeline.Result) error {
	out := struct {
		SessionID string             `json:"sessionId"`
		Workflow  *session.Workflow  `json:"workflow"`
		Usage     session.TokenUsage `json:"tokenUsage"`
		Report    any                `json:"validationReport,omitempty"`
	}{res.SessionID, res.Workflow, res.Usage, res.Report}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			return fmt.Errorf("write workflow: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Workflow written to %s\n", outPath)
		return nil
	}
	fmt.Println(string(data))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := setup(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("FLOWFORGE_LOG_LEVEL")),
		Service: "builder-api",
	})
	defer logger.Close()

	router := gin.Default()
	api.SetupRoutes(router, env.driver, env.store)

	logger.Info("builder API listening", "addr", env.cfg.ListenAddr)
	return router.Run(env.cfg.ListenAddr)
}
