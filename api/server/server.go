// Package server contains the main server struct and methods
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blacktop/symserver/api/server/routes"
	"github.com/blacktop/symserver/internal/syms"
)

// Config is the server config
type Config struct {
	Host   string
	Port   int
	Socket string
	Debug  bool
}

// Server is the main server struct
type Server struct {
	router *gin.Engine
	srv    *http.Server
	engine *syms.Engine
	conf   *Config
}

// NewServer creates a new server
func NewServer(engine *syms.Engine, conf *Config) *Server {
	return &Server{
		router: gin.Default(),
		engine: engine,
		conf:   conf,
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.router.GET("/health", func(c *gin.Context) {
		if _, err := s.engine.CacheStats(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	rg := s.router.Group("/v1")
	routes.Add(rg, s.engine)

	s.srv = &http.Server{Handler: s.router}

	var ln net.Listener
	var err error
	if s.conf.Socket != "" {
		os.Remove(s.conf.Socket)
		ln, err = net.Listen("unix", s.conf.Socket)
	} else {
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", s.conf.Host, s.conf.Port))
	}
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	if s.conf.Socket != "" {
		os.Remove(s.conf.Socket)
	}
	return nil
}
