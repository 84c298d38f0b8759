// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/sitka-systems/sitka/pkg/logging"
	"github.com/sitka-systems/sitka/services/repair"
)

var serveFlags struct {
	port  int
	audit string
	debug bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the repair engine API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveFlags.audit, "audit", "", "Audit store directory (empty = in-memory)")
	serveCmd.Flags().BoolVar(&serveFlags.debug, "debug", false, "Debug mode")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveFlags.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	level := logging.LevelInfo
	if serveFlags.debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: level, Service: "sitka"})
	defer logger.Close()

	shutdown, err := repair.InitTelemetry(context.Background(), repair.DefaultTelemetryConfig())
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	svc, err := repair.NewService(repair.ServiceConfig{
		AuditPath: serveFlags.audit,
		Logger:    logger.Slog(),
	})
	if err != nil {
		return err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	repair.RegisterRoutes(router, svc)

	logger.Info("repair server listening", "port", serveFlags.port)
	return router.Run(fmt.Sprintf(":%d", serveFlags.port))
}
