// Package daemon provides the daemon interface and implementation.
package daemon

import (
	"github.com/gin-gonic/gin"

	"github.com/blacktop/symserver/api/server"
	"github.com/blacktop/symserver/internal/config"
	"github.com/blacktop/symserver/internal/syms"
)

// Daemon is the interface that describes a symserver daemon.
type Daemon interface {
	// Start starts the daemon.
	Start() error
	// Stop stops the daemon.
	Stop() error
}

type daemon struct {
	server *server.Server
	engine *syms.Engine
	conf   *config.Config
}

// NewDaemon creates a new daemon.
func NewDaemon(conf *config.Config) Daemon {
	return &daemon{conf: conf}
}

func (d *daemon) Start() (err error) {
	if d.conf.Daemon.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	d.engine, err = syms.NewEngine(d.conf)
	if err != nil {
		return err
	}
	if err := d.engine.Open(); err != nil {
		return err
	}
	d.server = server.NewServer(d.engine, &server.Config{
		Host:   d.conf.Daemon.Host,
		Port:   d.conf.Daemon.Port,
		Socket: d.conf.Daemon.Socket,
		Debug:  d.conf.Daemon.Debug,
	})
	return d.server.Start()
}

func (d *daemon) Stop() error {
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			return err
		}
	}
	if d.engine != nil {
		return d.engine.Close()
	}
	return nil
}
