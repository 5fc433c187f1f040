package httpserver

import (
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/call-shield/internal/broker"
)

// Server bundles the echo router and the call registry.
type Server struct {
	Echo     *echo.Echo
	registry *broker.Registry
}

// New constructs the HTTP server with routes.
func New(registry *broker.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{Echo: e, registry: registry}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/call/start", s.startCall)
	e.POST("/call/end/:call_id", s.endCall)
	e.GET("/call/status/:call_id", s.callStatus)
	e.GET("/call/connect", s.connect)

	return s
}

type startCallResponse struct {
	CallID       string `json:"call_id"`
	OperatorLink string `json:"operator_link"`
	ScammerLink  string `json:"scammer_link"`
	Status       string `json:"status"`
}

// startCall reserves an identifier. The session itself is created lazily on
// the first leg attach.
func (s *Server) startCall(c echo.Context) error {
	callID := "call-" + uuid.NewString()[:12]
	return c.JSON(http.StatusOK, startCallResponse{
		CallID:       callID,
		OperatorLink: fmt.Sprintf("/call/connect?call_id=%s&role=operator", callID),
		ScammerLink:  fmt.Sprintf("/call/connect?call_id=%s&role=scammer", callID),
		Status:       "ready",
	})
}

func (s *Server) endCall(c echo.Context) error {
	callID := c.Param("call_id")
	if err := s.registry.End(callID); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "call not found"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ended", "call_id": callID})
}

func (s *Server) callStatus(c echo.Context) error {
	sess := s.registry.Lookup(c.Param("call_id"))
	if sess == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "call not found"})
	}
	return c.JSON(http.StatusOK, sess.Status())
}

// connect upgrades the duplex leg stream and binds it to the call session.
// Invalid parameters or an occupied role refuse the leg with an error
// envelope and a client-error close code; the first leg is unaffected.
func (s *Server) connect(c echo.Context) error {
	callID := c.QueryParam("call_id")
	roleParam := c.QueryParam("role")

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return nil
	}
	stream := newWSStream(conn)

	if callID == "" {
		stream.refuse("BadRequest", "call_id is required")
		return nil
	}
	role, err := broker.ParseRole(roleParam)
	if err != nil {
		stream.refuse("BadRequest", err.Error())
		return nil
	}

	_, first, err := s.registry.Attach(callID, role, stream)
	switch {
	case err == nil:
		log.Printf("[%s] %s connected (first=%v)", callID, role, first)
	case err == broker.ErrRoleOccupied:
		stream.refuse("RoleOccupied", fmt.Sprintf("role %s already attached", role))
	case err == broker.ErrTooManySessions:
		stream.refuse("TooManySessions", "session limit reached")
	default:
		stream.refuse("AttachFailed", err.Error())
	}
	return nil
}
