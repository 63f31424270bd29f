// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the builder pipeline over HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/flowforge/services/builder/pipeline"
	"github.com/AleutianAI/flowforge/services/builder/store"
)

// SetupRoutes registers the builder API on the router.
func SetupRoutes(router *gin.Engine, driver *pipeline.Driver, st store.Store) {
	router.GET("/healthz", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", CreateSession(driver, st))
			sessions.GET("/:id", GetSession(st))
			sessions.GET("/:id/result", GetResult(st))
			sessions.POST("/:id/clarify", Clarify(driver, st))
			sessions.POST("/:id/reset", ResetSession(driver, st))
		}
	}
}
