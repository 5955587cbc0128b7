package identity

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mediconnect/auditd/pkg/httputil"
	"github.com/sirupsen/logrus"
)

const maxHookBody = 64 * 1024

// TokenHeader carries the shared secret of the auth platform's webhook
const TokenHeader = "X-Hook-Token"

// Handlers exposes the lifecycle hooks as JSON webhooks
type Handlers struct {
	hooks  *Hooks
	token  string
	logger logrus.FieldLogger
}

// NewHandlers creates webhook handlers. An empty token disables the shared-secret check.
func NewHandlers(hooks *Hooks, token string, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{hooks: hooks, token: token, logger: logger}
}

// RegisterRoutes registers the webhook routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/hooks/identity/created", h.created).Methods("POST")
	router.HandleFunc("/hooks/identity/deleted", h.deleted).Methods("POST")
}

// created handles POST /hooks/identity/created
func (h *Handlers) created(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decode(w, r)
	if !ok {
		return
	}
	h.respond(w, h.hooks.OnIdentityCreated(r.Context(), id))
}

// deleted handles POST /hooks/identity/deleted
func (h *Handlers) deleted(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decode(w, r)
	if !ok {
		return
	}
	h.respond(w, h.hooks.OnIdentityDeleted(r.Context(), id))
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	var id Identity
	if h.token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(TokenHeader)), []byte(h.token)) != 1 {
		h.logger.WithField("remote_addr", r.RemoteAddr).Warn("rejected identity hook with invalid token")
		httputil.WriteUnauthorized(w, "invalid hook token")
		return id, false
	}

	if err := httputil.ParseJSON(w, r, maxHookBody, &id); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return id, false
	}
	return id, true
}

func (h *Handlers) respond(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		httputil.WriteNoContent(w)
	case errors.Is(err, ErrInvalidIdentity):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrProfileNotFound):
		httputil.WriteNotFound(w, err.Error())
	default:
		httputil.WriteServiceUnavailable(w, "profile store unavailable")
	}
}
