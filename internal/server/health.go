package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

const livenessTimeout = 3 * time.Second

type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Probes serves /readiness, which turns ready once every dependency is initialized, and /liveness,
// which runs the health checks on every call.
type Probes struct {
	ready  atomic.Bool
	checks []HealthCheck
}

func NewProbes(checks ...HealthCheck) *Probes {
	return &Probes{checks: checks}
}

func (p *Probes) SetReady() {
	p.ready.Store(true)
}

func (p *Probes) Register(r gin.IRoutes) {
	r.GET("/readiness", func(c *gin.Context) {
		if p.ready.Load() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})

	r.GET("/liveness", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, livenessTimeout)
		defer cancel()

		// Checking health of depending upon infra connections
		for _, check := range p.checks {
			if err := check.Check(ctx); err != nil {
				slog.Error("Dependency is not healthy in liveness API", "dependency", check.Name, "error", err.Error())
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy", "dependency": check.Name})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})
}

// NewHealthRouter is the probe-only router run by background processes
func NewHealthRouter(probes *Probes) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	probes.Register(r)

	return r
}
