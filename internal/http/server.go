package http

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
	"moff.io/moff-vault/pkg/log/middleware"
)

// Stats reports the live counters shown by /healthz.
type Stats func() map[string]interface{}

// Server serves the wallet bridge and the connect page.
type Server struct {
	router *gin.Engine
	srv    *http.Server
}

// NewServer routes /bridge to the websocket hub and / to the static connect
// page. The page is optional; without it / answers 404.
func NewServer(conf config.HTTP, bridge http.Handler, stats Stats) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveredHTTPLog())
	router.GET("/bridge", gin.WrapH(bridge))
	router.GET("/healthz", func(ctx *gin.Context) {
		body := map[string]interface{}{"status": "ok"}
		if stats != nil {
			for k, v := range stats() {
				body[k] = v
			}
		}
		ctx.JSONP(http.StatusOK, body)
	})
	if conf.StaticDir != "" {
		if _, err := os.Stat(filepath.Join(conf.StaticDir, "index.html")); err == nil {
			router.StaticFile("/", filepath.Join(conf.StaticDir, "index.html"))
			router.Static("/static", conf.StaticDir)
		} else {
			log.Warnf("connect page not found in %v", conf.StaticDir)
		}
	}
	return &Server{
		router: router,
		srv:    &http.Server{Addr: conf.Addr, Handler: router},
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Infof("HTTP server listening on %v", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(errors.WrapAndReport(err, "http server"))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
