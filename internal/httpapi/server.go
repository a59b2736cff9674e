package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ephemera/server/internal/auth"
	"ephemera/server/internal/config"
	"ephemera/server/internal/core"
	"ephemera/server/internal/fault"
	"ephemera/server/internal/protocol"
	"ephemera/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const adminTokenKey = "admin_token"

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	relay    *core.Relay
	auth     *auth.Manager
	gatherer prometheus.Gatherer
	cfg      config.Config
}

// New constructs an Echo app with websocket, public and admin routes. When
// gatherer is nil the /metrics endpoint is not mounted.
func New(cfg config.Config, relay *core.Relay, admins *auth.Manager, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if cfg.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogRemoteIP: true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Error != nil {
				level = slog.LevelInfo
			}
			slog.Log(c.Request().Context(), level, "http request",
				"method", v.Method, "uri", v.URI, "status", v.Status,
				"ip", v.RemoteIP, "latency", v.Latency, "err", v.Error)
			return nil
		},
	}))

	s := &Server{echo: e, relay: relay, auth: admins, gatherer: gatherer, cfg: cfg}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	limited := middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(s.cfg.RateLimit)))

	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/groups", s.handleCreateGroup, limited)
	api.GET("/rooms/:id/public", s.handleRoomPublic)
	api.POST("/admin/login", s.handleLogin, limited)

	admin := api.Group("/admin", middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator:  s.validateAdmin,
		ErrorHandler: func(err error, _ echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, adminAuthMessage(err))
		},
	}))
	admin.POST("/logout", s.handleLogout)
	admin.GET("/state", s.handleState)
	admin.GET("/metrics", s.handleMetrics)
	admin.POST("/freeze-groups", s.handleFreezeGroups)
	admin.GET("/room/:id", s.handleInspectRoom)
	admin.POST("/room/:id/freeze", s.handleFreezeRoom)
	admin.POST("/room/:id/clear", s.handleClearRoom)
	admin.DELETE("/room/:id", s.handleDeleteRoom)
	admin.POST("/warn", s.handleWarn)
	admin.POST("/kick", s.handleKick)
	admin.POST("/ban-ip", s.handleBan)
	admin.POST("/unban", s.handleUnban)

	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	ws.NewHandler(s.relay, s.cfg.ReadLimit()).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func (s *Server) validateAdmin(key string, c echo.Context) (bool, error) {
	if _, err := s.auth.Validate(key); err != nil {
		return false, err
	}
	c.Set(adminTokenKey, key)
	return true, nil
}

func adminAuthMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "admin token required"
}

// fail converts a relay error into an HTTP error with a status matching
// its kind.
func fail(err error) error {
	var status int
	switch fault.KindOf(err) {
	case fault.ErrValidation:
		status = http.StatusBadRequest
	case fault.ErrAuthorization:
		status = http.StatusForbidden
	case fault.ErrNotFound:
		status = http.StatusNotFound
	case fault.ErrCapacity:
		status = http.StatusRequestEntityTooLarge
	case fault.ErrStaleState:
		status = http.StatusConflict
	default:
		slog.Error("unexpected api error", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return echo.NewHTTPError(status, fault.Message(err))
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.relay.ClientCount(),
	})
}

type createGroupRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Nick     string `json:"nick"`
}

type createGroupResponse struct {
	core.GroupCreated
	LinkInfo protocol.RoomInfo `json:"link_info"`
}

func (s *Server) handleCreateGroup(c echo.Context) error {
	var req createGroupRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	g, err := s.relay.CreateGroup(req.Name, req.Password, req.Nick)
	if err != nil {
		return fail(err)
	}
	info, err := s.relay.RoomPublic(g.ID)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, createGroupResponse{GroupCreated: g, LinkInfo: info})
}

func (s *Server) handleRoomPublic(c echo.Context) error {
	info, err := s.relay.RoomPublic(strings.TrimSpace(c.Param("id")))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, info)
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	tok, err := s.auth.Login(req.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, fault.Message(err))
	}
	return c.JSON(http.StatusOK, tok)
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleLogout(c echo.Context) error {
	key, _ := c.Get(adminTokenKey).(string)
	s.auth.Logout(key)
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.relay.State())
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.relay.Metrics())
}

type freezeGroupsRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleFreezeGroups(c echo.Context) error {
	var req freezeGroupsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	s.relay.SetGroupCreationFrozen(req.Enabled)
	return c.JSON(http.StatusOK, map[string]bool{"group_creation_frozen": req.Enabled})
}

func (s *Server) handleInspectRoom(c echo.Context) error {
	d, err := s.relay.InspectRoom(c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, d)
}

type freezeRoomRequest struct {
	Frozen bool `json:"frozen"`
}

func (s *Server) handleFreezeRoom(c echo.Context) error {
	var req freezeRoomRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.relay.AdminFreeze(c.Param("id"), req.Frozen); err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleClearRoom(c echo.Context) error {
	if err := s.relay.AdminClear(c.Param("id")); err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleDeleteRoom(c echo.Context) error {
	if err := s.relay.AdminDelete(c.Param("id")); err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

type userActionRequest struct {
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

func (s *Server) handleWarn(c echo.Context) error {
	var req userActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.relay.AdminWarn(req.ConnectionID, req.Message); err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleKick(c echo.Context) error {
	var req userActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.relay.AdminKick(req.ConnectionID, req.Message); err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

type banRequest struct {
	IP           string `json:"ip"`
	ConnectionID string `json:"connection_id"`
	Minutes      int    `json:"minutes"`
	Reason       string `json:"reason"`
	RoomID       string `json:"room_id"`
}

type banResponse struct {
	OK        bool   `json:"ok"`
	IP        string `json:"ip"`
	RoomID    string `json:"room_id,omitempty"`
	Until     int64  `json:"until,omitempty"`
	Permanent bool   `json:"permanent"`
}

func (s *Server) handleBan(c echo.Context) error {
	var req banRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := s.relay.AdminBan(req.IP, req.ConnectionID, req.Minutes, req.Reason, req.RoomID)
	if err != nil {
		return fail(err)
	}
	resp := banResponse{OK: true, IP: b.IP, RoomID: string(b.Scope), Permanent: b.Permanent()}
	if !b.Permanent() {
		resp.Until = b.Until.UnixMilli()
	}
	return c.JSON(http.StatusOK, resp)
}

type unbanRequest struct {
	IP     string `json:"ip"`
	RoomID string `json:"room_id"`
}

func (s *Server) handleUnban(c echo.Context) error {
	var req unbanRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.IP) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ip is required")
	}
	return c.JSON(http.StatusOK, okResponse{OK: s.relay.AdminUnban(req.IP, req.RoomID)})
}
