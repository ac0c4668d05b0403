package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// Options carries what the handlers need. Without Jobs the operator routes are not registered.
type Options struct {
	Calls       CallService
	Jobs        JobService
	Webhooks    *WebhookHandler
	Health      *HealthHandler
	JWTSecret   string
	EnableCORS  bool
	CORSOrigins []string
}

// HandlerManager owns the HTTP handlers and their routes
type HandlerManager struct {
	opts     Options
	calls    *CallHandler
	webhooks *WebhookHandler
	health   *HealthHandler
}

func NewHandlerManager(opts Options) *HandlerManager {
	return &HandlerManager{
		opts:     opts,
		calls:    NewCallHandler(opts.Calls, opts.Jobs),
		webhooks: opts.Webhooks,
		health:   opts.Health,
	}
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	// Apply global middleware
	if hm.opts.EnableCORS {
		router.Use(CORSMiddleware(hm.opts.CORSOrigins))
		// Preflight requests must match a route for the middleware to answer them
		router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	}
	router.Use(LoggingMiddleware)

	if hm.health != nil {
		hm.health.SetupHealthRoutes(router)
	}

	// Provider webhooks authenticate themselves and skip API auth
	if hm.webhooks != nil {
		hm.webhooks.SetupWebhookRoutes(router)
	}

	hm.SetupAPIRoutes(router)

	logger.Base().Info("all application routes registered", zap.Bool("api_auth", hm.opts.JWTSecret != ""))
}

// SetupAPIRoutes sets up the call control routes behind API auth
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	api := router.NewRoute().Subrouter()
	api.Use(ValidationMiddleware)
	api.Use(JWTAuthMiddleware(hm.opts.JWTSecret))

	hm.calls.SetupCallRoutes(api)
}
