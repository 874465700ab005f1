package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/groupmesh/groupd/pkg/groups"
	"github.com/groupmesh/groupd/pkg/httputil"
	"github.com/groupmesh/groupd/pkg/keys"
)

// Server exposes every group service operation over HTTP.
type Server struct {
	service *groups.Service
	logger  *logrus.Logger
	metrics *Metrics
	router  *mux.Router
}

// NewServer builds the HTTP surface around a group service.
func NewServer(service *groups.Service, logger *logrus.Logger, registry *prometheus.Registry) *Server {
	s := &Server{
		service: service,
		logger:  logger,
		metrics: NewMetrics(registry),
		router:  mux.NewRouter(),
	}
	s.routes(registry)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(registry *prometheus.Registry) {
	s.router.Use(PrincipalMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/groups", s.wrap("add", s.handleAdd)).Methods(http.MethodPost)
	v1.HandleFunc("/groups", s.wrap("list", s.handleList)).Methods(http.MethodGet)
	v1.HandleFunc("/groups/rename", s.wrap("rename", s.handleRename)).Methods(http.MethodPost)

	v1.HandleFunc("/groups/invite", s.wrap("invite", s.handleInvite)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/refuse", s.wrap("refuse", s.handleRefuse)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/hide", s.wrap("hide", s.handleHide)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/join", s.wrap("join", s.handleJoin)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/alias", s.wrap("alias", s.handleAlias)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/leave", s.wrap("leave", s.handleLeave)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/remove", s.wrap("remove", s.handleRemove)).Methods(http.MethodPost)

	v1.HandleFunc("/groups/nominate", s.wrap("nominate", s.handleNominate)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/revoke", s.wrap("revoke", s.handleRevoke)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/accept", s.wrap("accept", s.handleAccept)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/decline", s.wrap("decline", s.handleDecline)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/setRole", s.wrap("setRole", s.handleSetRole)).Methods(http.MethodPost)
	v1.HandleFunc("/groups/setPolicy", s.wrap("setPolicy", s.handleSetPolicy)).Methods(http.MethodPost)

	v1.HandleFunc("/groups/{id}", s.wrap("get", s.handleGet)).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{id}/members", s.wrap("members", s.handleMembers)).Methods(http.MethodGet)
	v1.HandleFunc("/groups/{id}/invitations", s.wrap("invitations", s.handleInvitations)).Methods(http.MethodGet)

	v1.HandleFunc("/ressources", s.wrap("addRessource", s.handleAddRessource)).Methods(http.MethodPost)
	v1.HandleFunc("/folders", s.wrap("addFolder", s.handleAddFolder)).Methods(http.MethodPost)
	v1.HandleFunc("/folders/assign", s.wrap("assignFolder", s.handleAssignFolder)).Methods(http.MethodPost)
	v1.HandleFunc("/grants", s.wrap("addGrant", s.handleAddGrant)).Methods(http.MethodPost)
	v1.HandleFunc("/grants/remove", s.wrap("removeGrant", s.handleRemoveGrant)).Methods(http.MethodPost)
	v1.HandleFunc("/authorize", s.wrap("isAuthorized", s.handleIsAuthorized)).Methods(http.MethodPost)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
}

// wrap instruments a handler with per operation metrics.
func (s *Server) wrap(operation string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.observe(operation, strconv.Itoa(rec.status), start)
	}
}

// respond maps the service error taxonomy onto HTTP statuses. A nil result
// with a nil error is a deliberate no-op and serializes as null.
func (s *Server) respond(w http.ResponseWriter, result any, err error) {
	if err == nil {
		httputil.WriteSuccess(w, result)
		return
	}
	switch {
	case groups.IsValidation(err):
		httputil.WriteBadRequest(w, err.Error())
	case groups.IsNotAuthenticated(err):
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, err.Error())
	case groups.IsNotAuthorized(err):
		httputil.WriteErrorMessage(w, http.StatusForbidden, err.Error())
	case groups.IsUpdateConflict(err):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, keys.ErrUnavailable):
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "encryption service unavailable")
	default:
		s.logger.WithError(err).Error("operation failed")
		httputil.WriteInternalError(w, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req groups.AddRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Add(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Get(r.Context(), mux.Vars(r)["id"])
	s.respond(w, result, err)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	result, err := s.service.List(r.Context(), limit, offset)
	s.respond(w, result, err)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req groups.RenameRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Rename(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req groups.InviteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Invite(r.Context(), req)
	s.respond(w, result, err)
}

// groupRef addresses a group in the body of edge operations.
type groupRef struct {
	GroupID string `json:"groupId"`
}

func (s *Server) handleRefuse(w http.ResponseWriter, r *http.Request) {
	var req groupRef
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Refuse(r.Context(), req.GroupID)
	s.respond(w, result, err)
}

func (s *Server) handleHide(w http.ResponseWriter, r *http.Request) {
	var req groups.HideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Hide(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req groupRef
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Join(r.Context(), req.GroupID)
	s.respond(w, result, err)
}

func (s *Server) handleAlias(w http.ResponseWriter, r *http.Request) {
	var req groups.AliasRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Alias(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req groupRef
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Leave(r.Context(), req.GroupID)
	s.respond(w, result, err)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req groups.RemoveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Remove(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Members(r.Context(), mux.Vars(r)["id"])
	s.respond(w, result, err)
}

func (s *Server) handleInvitations(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Invitations(r.Context(), mux.Vars(r)["id"])
	s.respond(w, result, err)
}

func (s *Server) handleNominate(w http.ResponseWriter, r *http.Request) {
	var req groups.NominateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Nominate(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req groups.RevokeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Revoke(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req groups.DecisionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Accept(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req groups.DecisionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.Decline(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req groups.SetRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.SetRole(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req groups.SetPolicyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.SetPolicy(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleAddRessource(w http.ResponseWriter, r *http.Request) {
	var req groups.AddRessourceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.AddRessource(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleAddFolder(w http.ResponseWriter, r *http.Request) {
	var req groups.AddFolderRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.AddFolder(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleAssignFolder(w http.ResponseWriter, r *http.Request) {
	var req groups.AssignFolderRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.AssignFolder(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleAddGrant(w http.ResponseWriter, r *http.Request) {
	var req groups.GrantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.AddGrant(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleRemoveGrant(w http.ResponseWriter, r *http.Request) {
	var req groups.GrantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.RemoveGrant(r.Context(), req)
	s.respond(w, result, err)
}

func (s *Server) handleIsAuthorized(w http.ResponseWriter, r *http.Request) {
	var req groups.AuthorizeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := s.service.IsAuthorized(r.Context(), req)
	s.respond(w, result, err)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
