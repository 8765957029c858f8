// Package api serves recent levels, metrics and health over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"optionlevels/config"
	"optionlevels/internal/metrics"
	"optionlevels/logger"
)

// Check reports the health of one dependency. A nil error is healthy.
type Check func() error

// Server hosts the levels API.
type Server struct {
	cfg        config.APIConfig
	version    string
	started    time.Time
	log        *logger.Log
	rows       *RowStore
	recorder   *metrics.Recorder
	logs       *logStore
	sampler    *resourceSampler
	httpServer *http.Server

	mu     sync.RWMutex
	checks map[string]Check
}

// NewServer builds the server when the API is enabled. When disabled the
// returned server is nil.
func NewServer(cfg config.APIConfig, version string, rows *RowStore, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if rows == nil {
		return nil, errors.New("api requires a row store")
	}
	cfg.Addr = normalizeAddress(cfg.Addr)

	logs := newLogStore(200)
	log.AddHook(logs)

	return &Server{
		cfg:      cfg,
		version:  version,
		started:  time.Now(),
		log:      log,
		rows:     rows,
		recorder: metrics.NewRecorder(500),
		logs:     logs,
		sampler:  newResourceSampler(120, 10*time.Second, ".", log),
		checks:   make(map[string]Check),
	}, nil
}

// AddCheck registers a named health check.
func (s *Server) AddCheck(name string, check Check) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.sampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("api").WithFields(logger.Fields{"addr": s.cfg.Addr}).Info("api server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.recorder.Close()
	s.logs.close()
	s.sampler.wait()
}

func limitParam(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)

	router.GET("/api/levels", func(c *gin.Context) {
		rows := s.rows.Recent(c.Query("provider"), c.Query("currency"), limitParam(c, s.cfg.History))
		c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
	})

	router.GET("/api/levels/latest", func(c *gin.Context) {
		rows := s.rows.Latest()
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].Provider != rows[j].Provider {
				return rows[i].Provider < rows[j].Provider
			}
			return rows[i].Currency < rows[j].Currency
		})
		if p := c.Query("provider"); p != "" {
			filtered := rows[:0]
			for _, r := range rows {
				if strings.EqualFold(r.Provider, p) {
					filtered = append(filtered, r)
				}
			}
			rows = filtered
		}
		if len(rows) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no levels computed yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.recorder.Recent(limitParam(c, 0))})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}

func (s *Server) health(c *gin.Context) {
	s.mu.RLock()
	checks := make(map[string]Check, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()

	status := http.StatusOK
	results := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"checks":  results,
	})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
			return net.JoinHostPort(addr, "8080")
		}
		return addr
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = "8080"
	}
	return net.JoinHostPort(host, port)
}
