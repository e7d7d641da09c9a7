// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/util"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-Id"

// RequestID assigns a short correlation id, reusing a caller supplied one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()[:8]
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// AccessLog writes one logrus line per request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"request_id": c.GetString("request_id"),
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).Round(time.Microsecond),
			"client":     c.ClientIP(),
		})
		if log.IsLevelEnabled(log.DebugLevel) {
			if name, value := presentedCredential(c); name != "" {
				entry = entry.WithField("credential", name+": "+util.MaskSensitiveHeaderValue(name, value))
			}
		}
		msg := c.Request.Method + " " + c.FullPath()
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Warn(msg)
		case c.FullPath() == "/healthz":
			entry.Trace(msg)
		default:
			entry.Debug(msg)
		}
	}
}

var credentialHeaders = []string{"Authorization", "X-Api-Key", "X-Goog-Api-Key", "X-Management-Key"}

func presentedCredential(c *gin.Context) (string, string) {
	for _, h := range credentialHeaders {
		if v := c.GetHeader(h); v != "" {
			return h, v
		}
	}
	return "", ""
}
