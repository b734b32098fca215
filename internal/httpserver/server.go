// Package httpserver exposes the session API and the live WebSocket endpoint.
package httpserver

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kweiss/viva/internal/live"
	"github.com/kweiss/viva/internal/replay"
	"github.com/kweiss/viva/internal/session"
)

// Server bundles the HTTP handlers and their dependencies.
type Server struct {
	Ctrl *session.Controller
	Hub  *live.Hub

	upgrader websocket.Upgrader
}

// NewServer constructs the handler set.
func NewServer(ctrl *session.Controller, hub *live.Hub) *Server {
	return &Server{
		Ctrl: ctrl,
		Hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the routes on an Echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/sessions", s.startSession)
	e.GET("/sessions/:id", s.getSession)
	e.POST("/sessions/:id/abandon", s.abandonSession)
	e.GET("/sessions/:id/transcript", s.getTranscript)
	e.GET("/sessions/:id/replay", s.getReplay)
	e.GET("/sessions/:id/live", s.liveChannel)
}

type startRequest struct {
	RecallSetID string `json:"recall_set_id"`
}

// startSession begins a session for a recall set, or returns the one already
// in progress. 201 marks a fresh session, 200 a resume.
func (s *Server) startSession(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil || req.RecallSetID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "recall_set_id is required"})
	}

	sess, resumed, err := s.Ctrl.Start(c.Request().Context(), req.RecallSetID)
	if err != nil {
		if errors.Is(err, session.ErrNothingDue) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "no points due for review"})
		}
		log.Printf("http: start session: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to start session"})
	}
	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	return c.JSON(status, sess)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.Ctrl.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		log.Printf("http: get session: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load session"})
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) abandonSession(c echo.Context) error {
	sess, err := s.Ctrl.Abandon(c.Request().Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		case errors.Is(err, session.ErrTerminal):
			return c.JSON(http.StatusConflict, map[string]string{"error": "session is already terminal"})
		default:
			log.Printf("http: abandon session: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to abandon session"})
		}
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) getTranscript(c echo.Context) error {
	tr, err := s.Ctrl.Transcript(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		log.Printf("http: transcript: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load transcript"})
	}
	return c.JSON(http.StatusOK, tr)
}

// getReplay serves the reconstructed timeline: turns and markers in the exact
// order a live client observed them.
func (s *Server) getReplay(c echo.Context) error {
	tr, err := s.Ctrl.Transcript(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		log.Printf("http: replay: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load transcript"})
	}
	return c.JSON(http.StatusOK, replay.Reconstruct(tr))
}

// liveChannel upgrades to WebSocket and hands the connection to the hub.
func (s *Server) liveChannel(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.Ctrl.Get(c.Request().Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load session"})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("http: upgrade: %v", err)
		return nil
	}
	s.Hub.Attach(c.Request().Context(), id, conn)
	return nil
}
