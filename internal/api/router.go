// ABOUTME: REST surface of agentchat built on chi
// ABOUTME: Mounts catalog, chat, account, credit, payment and admin routes plus the socket endpoint

package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/2389/agentchat/internal/auth"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/credits"
	"github.com/2389/agentchat/internal/dedupe"
	"github.com/2389/agentchat/internal/payments"
	"github.com/2389/agentchat/internal/relay"
	"github.com/2389/agentchat/internal/store"
)

// Deps wires the API
type Deps struct {
	Store         store.Store
	Relay         *relay.Relay
	Directory     *conversation.Directory
	Ledger        *credits.Ledger
	Payments      *payments.Service
	Authenticator *auth.Authenticator
	Dedupe        *dedupe.Cache
	Socket        http.Handler // mounted at /ws when set
	Logger        *slog.Logger
}

// API holds the handlers
type API struct {
	store     store.Store
	relay     *relay.Relay
	directory *conversation.Directory
	ledger    *credits.Ledger
	payments  *payments.Service
	dedupe    *dedupe.Cache
	logger    *slog.Logger
}

// New creates the API handlers
func New(d Deps) *API {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:     d.Store,
		relay:     d.Relay,
		directory: d.Directory,
		ledger:    d.Ledger,
		payments:  d.Payments,
		dedupe:    d.Dedupe,
		logger:    logger.With("component", "api"),
	}
}

// NewRouter builds the full HTTP handler
func NewRouter(d Deps) http.Handler {
	a := New(d)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Get("/health/ready", a.handleReady)
	if d.Socket != nil {
		r.Handle("/ws", d.Socket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", a.handleListAgents)
		r.Get("/message-packs", a.handleListPacks)

		r.Group(func(r chi.Router) {
			r.Use(auth.HTTPAuthMiddleware(d.Authenticator))
			r.Use(auth.RequireUserHTTP())

			r.Route("/chats", func(r chi.Router) {
				r.Get("/", a.handleListChats)
				r.Post("/", a.handleOpenChat)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.handleGetChat)
					r.Delete("/", a.handleCloseChat)
					r.Post("/message", a.handleSendMessage)
					r.Get("/messages", a.handleHistory)
					r.Post("/read", a.handleMarkRead)
					r.Patch("/pin", a.handlePin)
					r.Post("/archive", a.handleArchive)
				})
			})

			r.Route("/me", func(r chi.Router) {
				r.Get("/", a.handleGetMe)
				r.Put("/", a.handleUpdateMe)
				r.Delete("/", a.handleDeleteMe)
				r.Put("/settings", a.handleUpdateSettings)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", a.handleListNotifications)
				r.Put("/{id}/read", a.handleMarkNotificationRead)
				r.Delete("/{id}", a.handleDeleteNotification)
			})

			r.Get("/credits", a.handleCreditStats)
			r.Get("/credits/{agentId}", a.handleAgentCredits)
			r.Get("/messages/stats", a.handleMessageStats)

			r.Route("/payments", func(r chi.Router) {
				r.Get("/", a.handlePaymentHistory)
				r.Post("/orders", a.handleCreateOrder)
				r.Post("/verify", a.handleVerifyPayment)
				r.Post("/{orderId}/cancel", a.handleCancelOrder)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdminHTTP())
				r.Put("/agents/{id}", a.handleUpsertAgent)
				r.Put("/message-packs/{id}", a.handleUpsertPack)
				r.Post("/users", a.handleCreateUser)
				r.Post("/credits/topup", a.handleTopUp)
			})
		})
	})

	return r
}
