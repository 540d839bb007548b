package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/orchestrator"
)

type Config struct {
	Addr           string   `envconfig:"HTTP_ADDR" default:":8000"`
	AllowedOrigins []string `envconfig:"HTTP_ALLOWED_ORIGINS" default:"*"`
}

// Server adapts the turn runner and persona store to HTTP.
type Server struct {
	runner   orchestrator.Runner
	personas model.PersonaStore
	cfg      Config
}

func NewServer(runner orchestrator.Runner, personas model.PersonaStore, cfg Config) *Server {
	return &Server{runner: runner, personas: personas, cfg: cfg}
}

// Router creates the HTTP router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(tracing)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/personas", func(r chi.Router) {
			r.Get("/", s.listPersonas)
			r.Get("/{personaID}", s.getPersona)
		})
		r.Post("/conversations", s.createConversation)
		r.Get("/conversations/{conversationID}/messages", s.conversationMessages)
		r.Post("/chat/{personaID}", s.chat)
		r.Post("/chat/{personaID}/conversations/{conversationID}", s.chat)
	})

	r.Get("/ws/conversations/{conversationID}", s.progressSocket)

	return r
}
