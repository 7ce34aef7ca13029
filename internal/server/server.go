// Package server exposes the session's health, status and captions over
// HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LastBotInc/virtual-participant/internal/logging"
	"github.com/LastBotInc/virtual-participant/internal/session"
	"github.com/LastBotInc/virtual-participant/internal/status"
	"github.com/LastBotInc/virtual-participant/internal/version"
)

// Source is what the server reads from the running session.
type Source interface {
	Session() *session.Session
	Status() *status.Manager
}

type statusResponse struct {
	SessionID string    `json:"sessionId"`
	CallID    string    `json:"callId"`
	MeetingID string    `json:"meetingId"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Version   string    `json:"version"`
}

type captionResponse struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Server serves the status surface on addr.
type Server struct {
	httpServer *http.Server
}

// NewRouter builds the gin engine for src.
func NewRouter(src Source) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		sess := src.Session()
		state, reason := src.Status().State()
		c.JSON(http.StatusOK, statusResponse{
			SessionID: sess.ID,
			CallID:    sess.CallID,
			MeetingID: sess.MeetingID,
			State:     string(state),
			Reason:    reason,
			Active:    sess.Active(),
			StartedAt: sess.StartedAt(),
			Version:   version.Full(),
		})
	})
	router.GET("/captions", func(c *gin.Context) {
		captions := src.Session().Captions()
		out := make([]captionResponse, 0, len(captions))
		for _, line := range captions {
			out = append(out, captionResponse{Speaker: line.Speaker, Text: line.Text, At: line.At})
		}
		c.JSON(http.StatusOK, out)
	})

	debug := router.Group("/debug/pprof")
	debug.GET("/", gin.WrapF(pprof.Index))
	debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	debug.GET("/profile", gin.WrapF(pprof.Profile))
	debug.GET("/symbol", gin.WrapF(pprof.Symbol))
	debug.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		debug.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}

	return router
}

// Start listens on addr in the background.
func Start(addr string, src Source) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{httpServer: &http.Server{
		Addr:              addr,
		Handler:           NewRouter(src),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	go func() {
		logging.Info(logging.CategoryServer, "status server listening addr=%s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(logging.CategoryServer, "status server: %v", err)
		}
	}()
	return s
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Warning(logging.CategoryServer, "status server shutdown: %v", err)
	}
}
