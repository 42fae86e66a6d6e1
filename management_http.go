package twincache

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/twincache/internal/sentinel"
	"github.com/hyp3rd/twincache/pkg/deviceproperties"
	"github.com/hyp3rd/twincache/pkg/querycache"
	"github.com/hyp3rd/twincache/pkg/twin"
)

// ManagementHTTPOption configures the management HTTP server.
type ManagementHTTPOption func(*ManagementHTTPServer)

// ManagementHTTPServer holds Fiber app and settings.
type ManagementHTTPServer struct {
	addr         string
	app          *fiber.App
	readTimeout  time.Duration
	writeTimeout time.Duration
	authFunc     func(fiber.Ctx) error
	ln           net.Listener
	started      bool
}

// WithMgmtAuth sets an auth function (return error to block).
func WithMgmtAuth(fn func(fiber.Ctx) error) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.authFunc = fn }
}

// WithMgmtReadTimeout sets read timeout.
func WithMgmtReadTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.readTimeout = d }
}

// WithMgmtWriteTimeout sets write timeout.
func WithMgmtWriteTimeout(d time.Duration) ManagementHTTPOption {
	return func(s *ManagementHTTPServer) { s.writeTimeout = d }
}

const (
	defaultReadTimeout = 5 * time.Second
	// rebuild requests may wait out a backoff
	defaultWriteTimeout = time.Minute
)

// NewManagementHTTPServer builds an HTTP server holder (lazy start).
func NewManagementHTTPServer(addr string, opts ...ManagementHTTPOption) *ManagementHTTPServer {
	srv := &ManagementHTTPServer{
		addr:         addr,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts { // apply options
		opt(srv)
	}

	srv.app = fiber.New(fiber.Config{
		ReadTimeout:  srv.readTimeout,
		WriteTimeout: srv.writeTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	return srv
}

// Start launches listener (idempotent). Caller provides the service for handler wiring,
// usually decorated with middleware, and the configuration reported by GET /config.
func (s *ManagementHTTPServer) Start(ctx context.Context, svc Service, cfg Config) error {
	if s.started { // idempotent
		return nil
	}

	s.mountRoutes(svc, cfg)

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "mgmt listen")
	}

	s.ln = ln

	go func() { // serve in background; Shutdown ends it
		_ = s.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.started = true

	return nil
}

// Address returns the bound address (useful when passing ":0" for ephemeral port). Empty if not started yet.
func (s *ManagementHTTPServer) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *ManagementHTTPServer) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}

	ch := make(chan error, 1)

	go func() {
		ch <- s.app.Shutdown()
	}()

	select {
	case <-ctx.Done():
		return sentinel.ErrMgmtHTTPShutdownTimeout
	case err := <-ch:
		return err
	}
}

// mountRoutes registers endpoints onto the Fiber app.
func (s *ManagementHTTPServer) mountRoutes(svc Service, cfg Config) {
	useAuth := s.wrapAuth
	s.registerBasic(useAuth, svc, cfg)
	s.registerDeviceProperties(useAuth, svc)
	s.registerTwins(useAuth, svc)
	s.registerQueryCache(useAuth, svc)
}

// wrapAuth returns an auth-wrapped handler if authFunc provided.
func (s *ManagementHTTPServer) wrapAuth(handler fiber.Handler) fiber.Handler { //nolint:ireturn
	if s.authFunc == nil {
		return handler
	}

	return func(fiberCtx fiber.Ctx) error {
		authErr := s.authFunc(fiberCtx)
		if authErr != nil {
			return authErr
		}

		return handler(fiberCtx)
	}
}

func (s *ManagementHTTPServer) registerBasic(useAuth func(fiber.Handler) fiber.Handler, svc Service, cfg Config) {
	s.app.Get("/health", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.SendString("ok") }))
	s.app.Get("/stats", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.JSON(svc.GetStats()) }))
	s.app.Get("/config", useAuth(func(fiberCtx fiber.Ctx) error {
		return fiberCtx.JSON(fiber.Map{
			"backend":             cfg.Backend,
			"whitelist":           cfg.DeviceProperties.Whitelist,
			"devicePropertiesTTL": cfg.DeviceProperties.TTL.String(),
			"rebuildTimeout":      cfg.DeviceProperties.RebuildTimeout.String(),
			"rebuildBackoff":      cfg.DeviceProperties.RebuildBackoff.String(),
			"maxAttempts":         cfg.DeviceProperties.MaxAttempts,
			"refreshInterval":     cfg.DeviceProperties.RefreshInterval.String(),
			"serializer":          cfg.DeviceProperties.Serializer,
			"queryCacheTTL":       cfg.QueryCache.TTL.String(),
			"changeLogDatabase":   cfg.QueryCache.Database,
		})
	}))
}

func (s *ManagementHTTPServer) registerDeviceProperties(
	useAuth func(fiber.Handler) fiber.Handler,
	svc Service,
) {
	s.app.Get("/deviceproperties", useAuth(func(fiberCtx fiber.Ctx) error {
		names, err := svc.DeviceProperties(fiberCtx.Context())
		if err != nil {
			return writeError(fiberCtx, err)
		}

		return fiberCtx.JSON(names)
	}))
	s.app.Post("/deviceproperties/rebuild", useAuth(func(fiberCtx fiber.Ctx) error {
		force := false

		if raw := fiberCtx.Query("force"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid force flag"})
			}

			force = parsed
		}

		rebuilt, err := svc.RebuildDeviceProperties(fiberCtx.Context(), force)
		if err != nil {
			return writeError(fiberCtx, err)
		}

		return fiberCtx.JSON(fiber.Map{"rebuilt": rebuilt})
	}))
	s.app.Put("/deviceproperties", useAuth(func(fiberCtx fiber.Ctx) error {
		var partial deviceproperties.DevicePropertyServiceModel

		err := json.Unmarshal(fiberCtx.Body(), &partial)
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}

		merged, err := svc.MergeDeviceProperties(fiberCtx.Context(), partial)
		if err != nil {
			return writeError(fiberCtx, err)
		}

		return fiberCtx.JSON(merged)
	}))
}

func (s *ManagementHTTPServer) registerTwins(
	useAuth func(fiber.Handler) fiber.Handler,
	svc Service,
) {
	s.app.Put("/tenants/:tenant", useAuth(func(fiberCtx fiber.Ctx) error {
		var body struct {
			Collection string `json:"collection"`
		}

		err := json.Unmarshal(fiberCtx.Body(), &body)
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}

		err = svc.RegisterTenant(fiberCtx.Context(), fiberCtx.Params("tenant"), body.Collection)
		if err != nil {
			return writeError(fiberCtx, err)
		}

		return fiberCtx.SendStatus(fiber.StatusNoContent)
	}))
	s.app.Put("/twins/:tenant/:device", useAuth(func(fiberCtx fiber.Ctx) error {
		var t twin.Twin

		err := json.Unmarshal(fiberCtx.Body(), &t)
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}

		t.TenantID = fiberCtx.Params("tenant")
		t.DeviceID = fiberCtx.Params("device")

		stored, err := svc.UpdateTwin(fiberCtx.Context(), t)
		if err != nil {
			return writeError(fiberCtx, err)
		}

		return fiberCtx.JSON(stored)
	}))
}

func (s *ManagementHTTPServer) registerQueryCache(
	useAuth func(fiber.Handler) fiber.Handler,
	svc Service,
) {
	s.app.Get("/querycache/:tenant", useAuth(func(fiberCtx fiber.Ctx) error {
		result, ok := svc.GetCachedQueryResult(fiberCtx.Context(), fiberCtx.Params("tenant"), fiberCtx.Query("query"))
		if !ok {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not cached"})
		}

		return fiberCtx.JSON(result)
	}))
	s.app.Put("/querycache/:tenant", useAuth(func(fiberCtx fiber.Ctx) error {
		var result querycache.DeviceList

		err := json.Unmarshal(fiberCtx.Body(), &result)
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}

		svc.SetTenantQueryResult(fiberCtx.Context(), fiberCtx.Params("tenant"), fiberCtx.Query("query"), &result)

		return fiberCtx.SendStatus(fiber.StatusNoContent)
	}))
	s.app.Delete("/querycache/:tenant", useAuth(func(fiberCtx fiber.Ctx) error {
		svc.InvalidateTenant(fiberCtx.Context(), fiberCtx.Params("tenant"))

		return fiberCtx.SendStatus(fiber.StatusNoContent)
	}))
}

// writeError maps service errors onto status codes.
func writeError(fiberCtx fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	switch {
	case errors.Is(err, sentinel.ErrCacheNotBuilt), errors.Is(err, sentinel.ErrRetriesExhausted):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, sentinel.ErrParamCannotBeEmpty), errors.Is(err, sentinel.ErrInvalidKey):
		status = fiber.StatusBadRequest
	case errors.Is(err, sentinel.ErrKeyNotFound), errors.Is(err, sentinel.ErrCollectionNotFound):
		status = fiber.StatusNotFound
	}

	return fiberCtx.Status(status).JSON(fiber.Map{"error": err.Error()})
}
