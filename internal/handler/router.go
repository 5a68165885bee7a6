package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/sitechat/backend/internal/auth"
	"github.com/zhouzirui/sitechat/backend/internal/config"
	"github.com/zhouzirui/sitechat/backend/internal/handler/dashboard"
	"github.com/zhouzirui/sitechat/backend/internal/handler/relay"
	"github.com/zhouzirui/sitechat/backend/internal/handler/widget"
	"github.com/zhouzirui/sitechat/backend/internal/logging"
	"github.com/zhouzirui/sitechat/backend/internal/service/ai"
	relayservice "github.com/zhouzirui/sitechat/backend/internal/service/relay"
	widgetservice "github.com/zhouzirui/sitechat/backend/internal/service/widget"
	"github.com/zhouzirui/sitechat/backend/internal/store"
	"github.com/zhouzirui/sitechat/backend/pkg/utils"
)

// Deps are the router's collaborators. A nil JWT leaves the dashboard unmounted.
type Deps struct {
	Store     store.Store
	Responder ai.Responder
	JWT       *auth.JWTManager
	Config    *config.Config
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsByRoute(cfg.CORS.Origins))

	widgetHandler := widget.New(widgetservice.NewService(deps.Store))
	relayHandler := relay.New(
		relayservice.NewCore(deps.Store, deps.Responder),
		relay.Options{SerializeSends: cfg.Relay.SerializeSends, QueueDepth: cfg.Relay.QueueDepth},
	)

	// both mount points share one limiter
	var initLimit func(http.Handler) http.Handler
	if n := cfg.RateLimit.InitPerMinute; n > 0 {
		initLimit = httprate.LimitByIP(n, time.Minute)
	}
	mountWidget := func(router chi.Router) {
		router.Group(func(g chi.Router) {
			if initLimit != nil {
				g.Use(initLimit)
			}
			widgetHandler.RegisterRoutes(g)
		})
	}

	mountWidget(r)
	relayHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		// older widget builds post to /api/widget/init
		mountWidget(api)

		if deps.JWT != nil {
			dashboard.New(deps.Store, deps.JWT).RegisterRoutes(api)
		} else {
			logging.Info().Msg("JWT_SECRET not set, dashboard routes disabled")
		}
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthz(deps.Store))

	return r
}

// widgetPaths are called from arbitrary customer sites and always allow any
// origin. CORS_ORIGINS only narrows the dashboard API.
var widgetPaths = map[string]bool{
	"/widget/init":     true,
	"/api/widget/init": true,
	"/socket":          true,
}

func corsByRoute(dashboardOrigins []string) func(http.Handler) http.Handler {
	widgetCORS := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	})
	dashboardCORS := cors.New(cors.Options{
		AllowedOrigins: dashboardOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	})

	return func(next http.Handler) http.Handler {
		forWidget := widgetCORS.Handler(next)
		forDashboard := dashboardCORS.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if widgetPaths[r.URL.Path] {
				forWidget.ServeHTTP(w, r)
				return
			}
			forDashboard.ServeHTTP(w, r)
		})
	}
}

func healthz(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.Ping(ctx); err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Msg("health check failed")
			utils.RespondError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
