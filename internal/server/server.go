package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trapmos/trapmos-alerts/internal/config"
	"github.com/trapmos/trapmos-alerts/internal/events"
	"github.com/trapmos/trapmos-alerts/internal/geo"
	"github.com/trapmos/trapmos-alerts/internal/logging"
	"github.com/trapmos/trapmos-alerts/internal/model"
	"github.com/trapmos/trapmos-alerts/internal/service"
	"github.com/trapmos/trapmos-alerts/internal/storage"
)

// Pinger reports store availability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the handlers' dependencies.
type Services struct {
	Detections *service.DetectionService
	Recipients *service.RecipientService
	Audit      *service.AuditService
	Auth       *service.AuthService
	Store      Pinger
	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
}

// Server wires HTTP handlers.
type Server struct {
	app    *fiber.App
	svc    Services
	cfg    *config.Config
	logger *zap.Logger
}

// New builds a server instance.
func New(cfg *config.Config, svc Services, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		IdleTimeout:           cfg.HTTP.ReadTimeout,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		AppName:               "trapmos-alerts",
		DisableStartupMessage: true,
	})
	s := &Server{
		app:    app,
		svc:    svc,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("http"),
	}
	s.registerRoutes()
	return s
}

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.cfg.HTTP.Addr))
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.Use(recover.New())
	s.app.Use(s.accessLog)

	s.app.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.svc.Gatherer != nil {
		s.app.Get(s.cfg.Metrics.Path, adaptor.HTTPHandler(promhttp.HandlerFor(s.svc.Gatherer, promhttp.HandlerOpts{})))
	}

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	api := s.app.Group("/api")
	api.Post("/detections", s.handleDetectionTrigger)
	api.Get("/detections/recent", s.handleRecent)
	api.Get("/detections/stats", s.handleStats)
	api.Get("/detections/:id", s.handleGetDetection)
	api.Get("/clusters", s.handleClusters)

	api.Post("/recipients", s.handleRegisterRecipient)
	api.Delete("/recipients/:token", s.handleRemoveRecipient)

	audit := api.Group("/audit", s.requireAuth)
	audit.Get("/list", s.handleAuditList)
	audit.Get("/count/date", s.handleAuditCountDate)
	audit.Get("/count/device", s.handleAuditCountDevice)

	admin := s.app.Group("/admin", s.requireAuth)
	admin.Get("/recipients", s.handleAdminListRecipients)
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("elapsed", time.Since(start)))
	return err
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok"}
	if s.svc.Store != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()
		if err := s.svc.Store.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["store"] = fiber.Map{"status": "down", "error": err.Error()}
		} else {
			resp["store"] = fiber.Map{"status": "up"}
		}
	}
	return c.Status(http.StatusOK).JSON(resp)
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(model.InvalidCode, "malformed request body"))
	}
	if !s.svc.Auth.Enabled() {
		return c.JSON(model.Success("login not required", fiber.Map{
			"token":    "",
			"enabled":  false,
			"username": "guest",
		}))
	}
	token, err := s.svc.Auth.Authenticate(req.Username, req.Password)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.ErrorWithCode(model.UnauthorizedCode, err.Error()))
	}
	return c.JSON(model.Success("login succeeded", fiber.Map{
		"token":    token,
		"enabled":  true,
		"username": s.svc.Auth.Username(),
	}))
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if !s.svc.Auth.Enabled() {
		return c.JSON(model.Success("ok", fiber.Map{
			"enabled":  false,
			"username": "guest",
		}))
	}
	claims, status, msg := s.authenticate(c)
	if claims == nil {
		return c.Status(status).JSON(model.ErrorWithCode(model.UnauthorizedCode, msg))
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"enabled":  true,
		"username": claims.Username,
	}))
}

func (s *Server) handleDetectionTrigger(c *fiber.Ctx) error {
	det, err := events.Decode(c.Body())
	if err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(model.InvalidCode, err.Error()))
	}
	result, err := s.svc.Detections.Handle(c.UserContext(), det, "http")
	if err != nil {
		if errors.Is(err, service.ErrInvalidDetection) {
			return c.Status(http.StatusUnprocessableEntity).JSON(model.ErrorWithCode(model.InvalidCode, err.Error()))
		}
		s.logger.Error("detection trigger failed", zap.Error(err))
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	if result.Duplicate {
		return c.JSON(model.Success("duplicate trigger ignored", result))
	}
	return c.JSON(model.Success("alert dispatched", result))
}

func (s *Server) handleRecent(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := s.svc.Detections.Recent(c.UserContext(), limit)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", records))
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	stats, err := s.svc.Detections.Stats(c.UserContext(), time.Now())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", stats))
}

func (s *Server) handleGetDetection(c *fiber.Ctx) error {
	det, err := s.svc.Detections.Get(c.UserContext(), decodePathSegment(c.Params("id")))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(http.StatusNotFound).JSON(model.ErrorWithCode(model.NotFoundCode, "detection not found"))
		}
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", det))
}

func (s *Server) handleClusters(c *fiber.Ctx) error {
	var ref *geo.Point
	lat, lon := c.Query("lat"), c.Query("lon")
	if lat != "" || lon != "" {
		p, err := geo.ParsePoint(lat, lon)
		if err != nil {
			return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(model.InvalidCode, err.Error()))
		}
		ref = &p
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	clusters, err := s.svc.Detections.Clusters(c.UserContext(), ref, limit)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", clusters))
}

func (s *Server) handleRegisterRecipient(c *fiber.Ctx) error {
	var req service.RecipientRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(model.InvalidCode, "malformed request body"))
	}
	recipient, err := s.svc.Recipients.Register(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRecipient) {
			return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(model.InvalidCode, err.Error()))
		}
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("registered", recipient))
}

func (s *Server) handleRemoveRecipient(c *fiber.Ctx) error {
	token := decodePathSegment(c.Params("token"))
	if strings.TrimSpace(token) == "" {
		return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(model.InvalidCode, "token is required"))
	}
	if err := s.svc.Recipients.Remove(c.UserContext(), token); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("removed", nil))
}

func (s *Server) handleAdminListRecipients(c *fiber.Ctx) error {
	views, err := s.svc.Recipients.ListViews(c.UserContext())
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", views))
}

func (s *Server) handleAuditList(c *fiber.Ctx) error {
	page, err := s.svc.Audit.Query(c.UserContext(), parseAuditFilter(c))
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", page))
}

func (s *Server) handleAuditCountDate(c *fiber.Ctx) error {
	begin, end := parseTimeRange(c)
	data, err := s.svc.Audit.CountByDate(c.UserContext(), c.Query("dateType", "day"), begin, end)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", data))
}

func (s *Server) handleAuditCountDevice(c *fiber.Ctx) error {
	begin, end := parseTimeRange(c)
	data, err := s.svc.Audit.CountByDevice(c.UserContext(), begin, end)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("ok", data))
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if !s.svc.Auth.Enabled() {
		return c.Next()
	}
	claims, status, msg := s.authenticate(c)
	if claims == nil {
		return c.Status(status).JSON(model.ErrorWithCode(model.UnauthorizedCode, msg))
	}
	c.Locals("username", claims.Username)
	return c.Next()
}

func (s *Server) authenticate(c *fiber.Ctx) (*service.Claims, int, string) {
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return nil, http.StatusUnauthorized, "not logged in"
	}
	claims, err := s.svc.Auth.Validate(token)
	if err != nil {
		return nil, http.StatusUnauthorized, "session expired"
	}
	return claims, http.StatusOK, ""
}

func decodePathSegment(value string) string {
	if value == "" {
		return value
	}
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return value
	}
	return decoded
}

func parseAuditFilter(c *fiber.Ctx) model.AuditFilter {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("pageSize", "10"))
	begin, end := parseTimeRange(c)
	return model.AuditFilter{
		Device:    c.Query("device"),
		Subject:   c.Query("subject"),
		BeginTime: begin,
		EndTime:   end,
		Page:      page,
		PageSize:  pageSize,
	}
}

func parseTimeRange(c *fiber.Ctx) (*time.Time, *time.Time) {
	return parseTime(c.Query("beginTime")), parseTime(c.Query("endTime"))
}

func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
