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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the field endpoints.
//
// Endpoints:
//
//	GET  /v1/ready           - Bootstrap finished
//	GET  /v1/fields          - List registered field kinds
//	POST /v1/fields          - Apply a schema XML document
//	GET  /v1/fields/:key     - One field kind
//	GET  /v1/fields/:key/xml - One field config as XML
//	GET  /v1/schema          - Committed schema as XML
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.GET("/ready", handlers.HandleReady)
	rg.GET("/schema", handlers.HandleExport)

	f := rg.Group("/fields")
	{
		f.GET("", handlers.HandleList)
		f.POST("", handlers.HandleUpdate)
		f.GET("/:key", handlers.HandleGet)
		f.GET("/:key/xml", handlers.HandleGetXML)
	}
}

// NewRouter returns a gin engine with tracing, the field routes under /v1
// and metrics at /metrics. Extra middleware runs after tracing.
func NewRouter(handlers *Handlers, metrics http.Handler, middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("fieldschema"))
	router.Use(middleware...)
	RegisterRoutes(router.Group("/v1"), handlers)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}
