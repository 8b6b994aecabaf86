package httpapi

import (
	"net/http"

	"weave/internal/admin"
	"weave/internal/blobstore"
	"weave/internal/jobwatcher"
	"weave/internal/pipeline"
	"weave/internal/version"
)

// Deps wires every collaborator NewRouter needs to build the full §6 HTTP
// surface.
type Deps struct {
	Pipeline    *pipeline.Pipeline
	Jobs        *jobwatcher.Watcher // optional
	Control     *admin.ControlPlane
	Blobs       *blobstore.Facade // optional; nil disables /v1/attachments
	Bearer      BearerVerifier
	APIKeys     APIKeyStore
	RateLimiter *RateLimiter
}

// NewRouter assembles the inbound turn endpoint and the admin control-plane
// routes behind the bearer/API-key auth middleware and per-tier rate
// limiting, mirroring the teacher's routes.go http.ServeMux + middleware
// chaining style.
func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()

	turn := NewTurnHandler(d.Pipeline, d.Jobs)
	mux.Handle("/v1/turns", turn)

	adminH := NewAdminHandlers(d.Control)
	mux.HandleFunc("/v1/admin/role-model-assignments", adminH.RoleModelAssignments)
	mux.HandleFunc("/v1/admin/routing-thresholds", adminH.RoutingThresholds)
	mux.HandleFunc("/v1/admin/allowed-domains", adminH.AllowedDomains)
	mux.HandleFunc("/v1/admin/access-requests", adminH.PendingAccessRequests)
	mux.HandleFunc("/v1/admin/access-requests/decide", adminH.DecideAccessRequest)
	mux.HandleFunc("/v1/admin/prompt-templates", adminH.PromptTemplates)
	mux.HandleFunc("/v1/admin/prompt-templates/assign", adminH.AssignUserTemplate)

	if d.Blobs != nil {
		mux.Handle("/v1/attachments", NewAttachmentHandlers(d.Blobs))
	}

	var handler http.Handler = mux
	if d.RateLimiter != nil {
		handler = d.RateLimiter.Middleware()(handler)
	}
	handler = AuthMiddleware(d.Bearer, d.APIKeys)(handler)

	// /healthz is a liveness probe and stays outside auth/rate-limiting.
	top := http.NewServeMux()
	top.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
	})
	top.Handle("/", handler)
	return top
}
