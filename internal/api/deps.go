package api

import (
	"net/http"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/config"
	"github.com/lockergw/gateway/internal/gateway"
	"github.com/lockergw/gateway/internal/health"
	"github.com/lockergw/gateway/internal/kiosk/heartbeat"
	"github.com/lockergw/gateway/internal/kiosk/queue"
	"github.com/lockergw/gateway/internal/locker/statemgr"
	"github.com/lockergw/gateway/internal/locker/vip"
)

// Deps collects every component the HTTP surface delegates to. Server
// holds no business logic of its own beyond request parsing, error
// translation, and response shaping.
type Deps struct {
	Gateway       *gateway.Gateway
	State         *statemgr.Manager
	Heartbeat     *heartbeat.Manager
	Queue         *queue.Manager
	VIP           *vip.Manager
	ConfigStore   *config.Store
	HealthManager *health.Manager
	Audit         *audit.Logger

	// AllowedOrigins configures the CORS middleware; empty (or "*") allows
	// every origin.
	AllowedOrigins []string
	// RateLimitRPS bounds kiosk-facing request volume per IP.
	RateLimitRPS int
	// AdminToken guards the operator-panel routes (config deploy/apply/
	// rollback, VIP transfer approve/reject). Empty disables the check,
	// which only the test suite should ever do.
	AdminToken string
}

// Server is the gateway's HTTP/JSON surface (spec section 6).
type Server struct {
	deps Deps
}

// New constructs a Server. Handlers other than /health do not check their
// Deps field for nil: hitting a route whose dependency was left nil (e.g.
// VIP, ConfigStore) panics, which chi's Recoverer turns into a 500.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Handler returns the fully wired HTTP handler: middleware stack, every
// route in spec section 6, plus /metrics.
func (s *Server) Handler() http.Handler {
	return s.routes()
}
