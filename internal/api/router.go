package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomchat/internal/api/middleware"
	"github.com/eldtechnologies/roomchat/internal/auth"
	"github.com/eldtechnologies/roomchat/internal/config"
	"github.com/eldtechnologies/roomchat/internal/handlers"
	"github.com/eldtechnologies/roomchat/internal/realtime"
	"github.com/eldtechnologies/roomchat/internal/store"
)

// Deps are the services the router wires into handlers. Redis is optional;
// without it there is no rate limiting and search is unavailable.
type Deps struct {
	Config  *config.Config
	Store   store.DataStore
	Redis   *store.RedisStore
	Tokens  *auth.TokenManager
	Revoker store.TokenRevoker
	Broker  realtime.Broker
	Hub     *realtime.Hub
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders(!deps.Config.IsDevelopment()))
	r.Use(middleware.MaxBodySize(16 * 1024))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if deps.Redis != nil {
		limiter := middleware.NewRateLimiter(deps.Redis.Client(), logger, middleware.RateLimiterConfig{
			Whitelist:        deps.Config.RateLimitWhitelist,
			AutoBlockEnabled: deps.Config.AutoBlockEnabled,
			BlockThreshold:   deps.Config.AutoBlockThreshold,
		})
		r.Use(limiter.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authMW := middleware.NewAuthMiddleware(deps.Tokens, deps.Revoker)
	h := handlers.NewHandler(handlers.Options{
		Store:    deps.Store,
		Redis:    deps.Redis,
		Tokens:   deps.Tokens,
		Verifier: authMW,
		Revoker:  deps.Revoker,
		Broker:   deps.Broker,
		Hub:      deps.Hub,
		Rooms:    deps.Config.Rooms,
		Logger:   logger,
	})

	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/find", h.Search)
	r.Post("/auth/signup", h.SignUp)
	r.Post("/auth/signin", h.SignIn)
	r.Get("/rooms", h.ListRooms)
	r.Get("/rooms/{room}/messages", h.ListMessages)
	r.Get("/profiles/{id}", h.GetProfile)
	r.Get("/realtime", h.Realtime) // authenticates the token itself

	// Demo REST resources
	for _, resource := range []string{"users", "posts"} {
		r.Route("/"+resource, func(r chi.Router) {
			r.Get("/", h.ListRecords(resource))
			r.Post("/", h.CreateRecord(resource))
			r.Get("/{id}", h.GetRecord(resource))
			r.Put("/{id}", h.UpdateRecord(resource))
			r.Delete("/{id}", h.DeleteRecord(resource))
		})
	}

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMW.RequireAuth)

		r.Post("/auth/signout", h.SignOut)
		r.Get("/auth/session", h.Session)
		r.Post("/rooms/{room}/messages", h.PostMessage)
		r.Patch("/messages/{id}", h.EditMessage)
		r.Delete("/messages/{id}", h.DeleteMessage)
		r.Put("/profiles/me", h.UpdateMyProfile)

		// Each caller sees and changes only their own todos
		r.Route("/todos", func(r chi.Router) {
			r.Get("/", h.ListRecords("todos"))
			r.Post("/", h.CreateRecord("todos"))
			r.Get("/{id}", h.GetRecord("todos"))
			r.Put("/{id}", h.UpdateRecord("todos"))
			r.Delete("/{id}", h.DeleteRecord("todos"))
		})
	})

	return r
}
