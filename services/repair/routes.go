// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package repair

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes mounts the engine's HTTP surface on a gin router.
func RegisterRoutes(router *gin.Engine, svc *Service) {
	router.Use(otelgin.Middleware("sitka-repair"))

	router.GET("/health", svc.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/repair", svc.handleRepair)

		sessions := v1.Group("/repair/sessions")
		{
			sessions.GET("", svc.handleListAudit)
			sessions.GET("/:id", svc.handleGetSession)
			sessions.GET("/:id/audit", svc.handleGetAudit)
			sessions.GET("/:id/events", svc.handleEvents)
		}
	}
}
