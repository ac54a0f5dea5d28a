/***************************************************************
 *
 * Copyright (C) 2025, Relaybot Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package web_ui exposes the relay's HTTP surface: a health endpoint for
// the hosting platform's probes and the Prometheus metrics route.
package web_ui

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	ginprometheus "github.com/zsais/go-gin-prometheus"
)

// StatusFunc supplies the live numbers the health endpoint reports.
type StatusFunc func() (activeTransfers int, queuedLinks int)

// GetEngine builds the gin engine with recovery, request logging and
// the metrics routes.
func GetEngine(status StatusFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	webLogger := log.WithFields(log.Fields{"daemon": "gin"})
	engine.Use(func(ctx *gin.Context) {
		startTime := time.Now()

		ctx.Next()

		latency := time.Since(startTime)
		webLogger.WithFields(log.Fields{"method": ctx.Request.Method,
			"status":   ctx.Writer.Status(),
			"time":     latency.String(),
			"client":   ctx.RemoteIP(),
			"resource": ctx.Request.URL.Path},
		).Info("Served Request")
	})

	prometheusMonitor := ginprometheus.NewPrometheus("gin")
	prometheusMonitor.Use(engine)

	engine.GET("/api/v1.0/health", func(ctx *gin.Context) {
		active, queued := 0, 0
		if status != nil {
			active, queued = status()
		}
		ctx.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"active_transfers": active,
			"queued_links":     queued,
		})
	})
	return engine
}

// RunEngine serves the engine at the configured address until ctx is
// cancelled or the listener fails, then drains in-flight requests.
func RunEngine(ctx context.Context, engine *gin.Engine) error {
	addr := fmt.Sprintf("%v:%v", viper.GetString("Server.Address"), viper.GetInt("Server.Port"))
	server := &http.Server{Addr: addr, Handler: engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Infoln("Starting web engine at address", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
