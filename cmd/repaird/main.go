// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command repaird starts a standalone repair engine API server.
//
// Usage:
//
//	go run ./cmd/repaird
//	go run ./cmd/repaird -port 9090 -audit /var/lib/sitka/audit
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/health
//
//	# Start a repair session
//	curl -X POST http://localhost:8080/v1/repair \
//	  -H "Content-Type: application/json" \
//	  -d '{"project_root": "/path/to/project", "entry_point": "src/app.py:handler"}'
//
//	# Inspect the audit trail
//	curl http://localhost:8080/v1/repair/sessions | jq
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/sitka-systems/sitka/pkg/logging"
	"github.com/sitka-systems/sitka/services/repair"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	auditPath := flag.String("audit", "", "Audit store directory (empty = in-memory)")
	model := flag.String("model", "", "Proposer model name (default from OPENAI_MODEL)")
	baseURL := flag.String("base-url", "", "Proposer API base URL for local backends")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logLevel := logging.LevelInfo
	if *debug {
		logLevel = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: logLevel, Service: "repaird"})
	defer logger.Close()

	shutdown, err := repair.InitTelemetry(context.Background(), repair.DefaultTelemetryConfig())
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer shutdown(context.Background())

	proposerModel := *model
	if proposerModel == "" {
		proposerModel = os.Getenv("OPENAI_MODEL")
	}

	svc, err := repair.NewService(repair.ServiceConfig{
		AuditPath:       *auditPath,
		ProposerModel:   proposerModel,
		ProposerBaseURL: *baseURL,
		Logger:          logger.Slog(),
	})
	if err != nil {
		log.Fatalf("Failed to create repair service: %v", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if *debug {
		router.Use(gin.Logger())
	}
	repair.RegisterRoutes(router, svc)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("\nShutting down repair server...")
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Starting repair server on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
