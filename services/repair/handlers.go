// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package repair

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/sitka-systems/sitka/services/repair/session"
	"github.com/sitka-systems/sitka/services/repair/validate"
	"github.com/sitka-systems/sitka/services/repair/workspace"
)

var handlerTracer = otel.Tracer("sitka.repair.handlers")

// RepairRequest is the POST /v1/repair body. The entry point is
// optional when failing_output carries a recognizable location.
type RepairRequest struct {
	ProjectRoot    string              `json:"project_root" binding:"required"`
	EntryPoint     string              `json:"entry_point"`
	FailingOutput  string              `json:"failing_output"`
	Description    string              `json:"description"`
	Language       string              `json:"language"`
	TestCases      []validate.TestCase `json:"test_cases"`
	HumanInTheLoop *bool               `json:"human_in_the_loop"`
	TimeoutSeconds int                 `json:"timeout_seconds"`
}

// RepairResponse is the terminal session report.
type RepairResponse struct {
	SessionID         string                    `json:"session_id"`
	Status            session.Status            `json:"status"`
	RepairableScope   []string                  `json:"repairable_scope,omitempty"`
	Diff              string                    `json:"diff,omitempty"`
	FixedFiles        map[string]string         `json:"fixed_files,omitempty"`
	ValidationSummary *validate.Result          `json:"validation_summary,omitempty"`
	Candidates        []session.CandidateReport `json:"candidates,omitempty"`
	Reason            session.FailureReason     `json:"reason,omitempty"`
	Detail            string                    `json:"detail,omitempty"`
	SuggestedAction   string                    `json:"suggested_action,omitempty"`
	Diagnosis         *session.Diagnosis        `json:"diagnosis,omitempty"`
	Attempts          int                       `json:"attempts"`
}

// responseFor shapes a finished session into the API response.
func responseFor(s *session.Session) RepairResponse {
	resp := RepairResponse{SessionID: s.ID, Status: s.Status()}
	out := s.Outcome()
	if out == nil {
		return resp
	}
	resp.RepairableScope = out.RepairableScope
	resp.Attempts = out.Attempts
	resp.Diagnosis = out.Diagnosis

	switch out.Status {
	case session.StatusFixed:
		resp.Diff = out.Diff
		resp.FixedFiles = out.FixedFiles
		resp.ValidationSummary = out.Validation
	case session.StatusCandidates:
		resp.Candidates = out.Candidates
	case session.StatusUnfixable:
		resp.Reason = out.Reason
		resp.Detail = out.Detail
		resp.SuggestedAction = out.SuggestedAction
		resp.Candidates = out.Candidates
	}
	return resp
}

// handleRepair runs one repair session synchronously.
func (s *Service) handleRepair(c *gin.Context) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "Repair")
	defer span.End()

	var req RepairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.EntryPoint == "" && req.FailingOutput == "" {
		err := errors.New("one of entry_point or failing_output is required")
		span.SetStatus(codes.Error, err.Error())
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.Manager.Run(ctx, &session.Request{
		ProjectRoot:    req.ProjectRoot,
		EntryPoint:     req.EntryPoint,
		FailingOutput:  req.FailingOutput,
		Description:    req.Description,
		Language:       req.Language,
		TestCases:      req.TestCases,
		HumanInTheLoop: req.HumanInTheLoop,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, workspace.ErrProjectBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.logger.Error("repair admission failed", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, responseFor(sess))
}

// handleGetSession reports a session's current phase and outcome.
func (s *Service) handleGetSession(c *gin.Context) {
	sess, err := s.Manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  sess,
		"phase":    sess.Phase(),
		"response": responseFor(sess),
	})
}

// handleGetAudit returns the durable audit record for a session.
func (s *Service) handleGetAudit(c *gin.Context) {
	rec, err := s.Manager.Audit().Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleListAudit lists recent audit records.
func (s *Service) handleListAudit(c *gin.Context) {
	records, err := s.Manager.Audit().List(100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

// handleHealth is the liveness probe.
func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
