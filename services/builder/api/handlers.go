// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/flowforge/services/builder/metrics"
	"github.com/AleutianAI/flowforge/services/builder/pipeline"
	"github.com/AleutianAI/flowforge/services/builder/session"
	"github.com/AleutianAI/flowforge/services/builder/store"
)

type CreateSessionRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

type ClarifyRequest struct {
	ClarificationID string `json:"clarificationId" binding:"required"`
	Answer          string `json:"answer" binding:"required"`
}

// CreateSession starts a new pipeline run. The run executes in the
// background; callers poll GET /v1/sessions/:id for progress.
func CreateSession(driver *pipeline.Driver, st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSessionRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "prompt must not be empty"})
			return
		}

		s := session.New(req.Prompt)
		if err := st.Create(c.Request.Context(), s); err != nil {
			slog.Error("Session create failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		go runDetached(driver, s.ID)

		c.JSON(http.StatusAccepted, gin.H{
			"sessionId": s.ID,
			"phase":     s.Phase,
		})
	}
}

// GetSession returns the session's current pipeline state.
func GetSession(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := loadSession(c, st)
		if err != nil {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sessionId":             s.ID,
			"phase":                 s.Phase,
			"version":               s.Version,
			"archived":              s.Archived,
			"archiveReason":         s.ArchiveReason,
			"discovered":            len(s.Discovered),
			"configured":            len(s.Configured),
			"pendingClarifications": unanswered(s),
			"tokenUsage":            s.TokenUsage,
			"updatedAt":             s.UpdatedAt,
		})
	}
}

// GetResult returns the finished workflow. 409 until the pipeline has
// produced one.
func GetResult(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := loadSession(c, st)
		if err != nil {
			return
		}
		if s.Workflow == nil || s.Phase != session.PhaseComplete {
			c.JSON(http.StatusConflict, gin.H{
				"error": "workflow not ready",
				"phase": s.Phase,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"sessionId":  s.ID,
			"workflow":   s.Workflow,
			"tokenUsage": s.TokenUsage,
		})
	}
}

// Clarify answers a pending clarification and resumes the run in the
// background.
func Clarify(driver *pipeline.Driver, st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := loadSession(c, st)
		if err != nil {
			return
		}
		var req ClarifyRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		found := false
		for _, cl := range s.PendingClarifications {
			if cl.ID == req.ClarificationID && !cl.Answered {
				found = true
				break
			}
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such pending clarification"})
			return
		}

		go func() {
			if _, err := driver.Clarify(context.Background(), s.ID, req.ClarificationID, req.Answer); err != nil {
				slog.Error("Clarify resume failed", "session_id", s.ID, "error", err)
			}
		}()

		c.JSON(http.StatusAccepted, gin.H{"sessionId": s.ID})
	}
}

// ResetSession clears pipeline progress back to discovery and re-runs.
func ResetSession(driver *pipeline.Driver, st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := loadSession(c, st)
		if err != nil {
			return
		}
		if err := driver.Reset(c.Request.Context(), s.ID); err != nil {
			slog.Error("Session reset failed", "session_id", s.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		go runDetached(driver, s.ID)
		c.JSON(http.StatusAccepted, gin.H{"sessionId": s.ID, "phase": session.PhaseDiscovery})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func runDetached(driver *pipeline.Driver, sessionID string) {
	res, err := driver.Resume(context.Background(), sessionID)
	if err != nil {
		slog.Error("Pipeline run failed", "session_id", sessionID, "error", err)
		return
	}
	metrics.SessionFinished(string(res.Status))
	if res.Err != nil {
		slog.Error("Pipeline phase failed",
			"session_id", sessionID, "phase", res.Phase, "error", res.Err.Err)
	}
}

func loadSession(c *gin.Context, st store.Store) (*session.Session, error) {
	id := c.Param("id")
	s, err := st.Load(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		} else {
			slog.Error("Session load failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, err
	}
	return s, nil
}

func unanswered(s *session.Session) []session.Clarification {
	var out []session.Clarification
	for _, cl := range s.PendingClarifications {
		if !cl.Answered {
			out = append(out, cl)
		}
	}
	return out
}
