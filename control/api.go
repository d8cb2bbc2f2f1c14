package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"clustergate/metrics"
	"clustergate/middleware"
	"clustergate/registry"
)

// maxBodyBytes bounds control API request bodies. Registration payloads are
// a few hundred bytes; certificate uploads a few KB.
const maxBodyBytes = 1 << 20

// ConfigUpdate is the body of POST /config. Nil fields are left unchanged.
type ConfigUpdate struct {
	Port       *int    `json:"port"`
	SSLEnabled *bool   `json:"sslEnabled"`
	SiteURL    *string `json:"siteUrl"`
}

// CertUpload is the body of POST /certificate: a PEM keypair.
type CertUpload struct {
	Key  string `json:"key"`
	Cert string `json:"cert"`
}

// Info is the read-only diagnostic dump served by GET /info.
type Info struct {
	Port         int       `json:"port"`
	TLSEnabled   bool      `json:"tlsEnabled"`
	SiteURL      string    `json:"siteUrl"`
	CertSubject  string    `json:"certSubject,omitempty"`
	CertNotAfter time.Time `json:"certNotAfter,omitzero"`
	Workers      int       `json:"workers"`
	State        string    `json:"state"`
}

// Hooks are the control plane callbacks the API mutates the world through.
// The API itself owns no state beyond the table reference.
type Hooks struct {
	// OnRegistryChange persists and broadcasts after a registration landed.
	OnRegistryChange func(registry.Snapshot)
	// RestartWorkers replaces the worker pool (config or cert change).
	RestartWorkers func(reason string)
	// ApplyConfig persists a gateway config mutation.
	ApplyConfig func(ConfigUpdate) error
	// Describe reports the current gateway state for /info.
	Describe func() Info
}

// API is the registration & control surface. Mount its Router on the
// mTLS listener only: the handlers assume the identity gate in front of
// them.
type API struct {
	log      *zap.Logger
	table    *registry.Table
	auth     Authenticator
	material *Material
	hooks    Hooks
}

// NewAPI wires the control surface. material may be nil in shared-secret
// deployments (certificate uploads are then rejected).
func NewAPI(log *zap.Logger, table *registry.Table, auth Authenticator, material *Material, hooks Hooks) *API {
	return &API{log: log, table: table, auth: auth, material: material, hooks: hooks}
}

// Router builds the chi router with per-endpoint identity allow-lists.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return middleware.Chain(
			middleware.Logging(a.log),
			middleware.Timeout(30*time.Second),
		)(next)
	})

	r.With(a.require(IdentityBackend, IdentityFrontend, IdentitySecret)).
		Post("/register", a.handleRegister)
	r.With(a.require(IdentityBackend, IdentityFrontend)).
		Get("/info", a.handleInfo)
	r.With(a.require(IdentityBackend)).
		Post("/certificate", a.handleCertificate)
	r.With(a.require(IdentityBackend)).
		Post("/config", a.handleConfig)
	r.With(a.require(IdentityBackend, IdentityFrontend, IdentitySecret)).
		Get("/status", a.handleStatus)
	r.With(a.require(IdentityBackend, IdentityFrontend)).
		Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// require is the hard security gate: no identity, no processing. 401 when
// nothing was presented, 403 when the identity is not on this endpoint's
// allow-list. Either way the request dies here with zero side effects.
func (a *API) require(identities ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(identities))
	for _, id := range identities {
		allowed[id] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			id, err := a.auth.Identify(r)
			if err != nil {
				metrics.AuthRejections.Inc()
				status := http.StatusForbidden
				if errors.Is(err, ErrNoCredential) {
					status = http.StatusUnauthorized
				}
				a.log.Warn("control request rejected",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
					zap.Error(err))
				writeError(rw, status, "not authorized")
				return
			}
			if !allowed[id] {
				metrics.AuthRejections.Inc()
				a.log.Warn("control request rejected",
					zap.String("path", r.URL.Path),
					zap.String("identity", id),
					zap.String("remote", r.RemoteAddr))
				writeError(rw, http.StatusForbidden, "identity not permitted for this endpoint")
				return
			}
			next.ServeHTTP(rw, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

func (a *API) handleRegister(rw http.ResponseWriter, r *http.Request) {
	var svc registry.Service
	if err := decodeBody(r, &svc); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.table.Register(svc); err != nil {
		// Validation failed: the table was not touched at all.
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	metrics.Registrations.Inc()
	a.log.Info("service registered",
		zap.String("identity", identityFrom(r.Context())),
		zap.String("service", svc.Name),
		zap.String("url", svc.URL),
		zap.Strings("routes", svc.Routes))

	if a.hooks.OnRegistryChange != nil {
		a.hooks.OnRegistryChange(a.table.Snapshot())
	}
	writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleInfo(rw http.ResponseWriter, r *http.Request) {
	info := Info{}
	if a.hooks.Describe != nil {
		info = a.hooks.Describe()
	}
	if a.material != nil {
		info.CertSubject, info.CertNotAfter = a.material.ActiveCert()
	}
	writeJSON(rw, http.StatusOK, info)
}

func (a *API) handleCertificate(rw http.ResponseWriter, r *http.Request) {
	if a.material == nil {
		writeError(rw, http.StatusConflict, "gateway is running without TLS material")
		return
	}
	var upload CertUpload
	if err := decodeBody(r, &upload); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if upload.Key == "" || upload.Cert == "" {
		writeError(rw, http.StatusBadRequest, "both key and cert are required")
		return
	}
	if err := a.material.Install([]byte(upload.Key), []byte(upload.Cert)); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	a.log.Info("certificate installed",
		zap.String("identity", identityFrom(r.Context())))
	if a.hooks.RestartWorkers != nil {
		a.hooks.RestartWorkers("certificate update")
	}
	writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleConfig(rw http.ResponseWriter, r *http.Request) {
	var update ConfigUpdate
	if err := decodeBody(r, &update); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if update.Port != nil && (*update.Port < 1 || *update.Port > 65535) {
		writeError(rw, http.StatusBadRequest, fmt.Sprintf("invalid port %d", *update.Port))
		return
	}
	if a.hooks.ApplyConfig != nil {
		if err := a.hooks.ApplyConfig(update); err != nil {
			writeError(rw, http.StatusInternalServerError, "could not persist configuration")
			a.log.Error("config update failed", zap.Error(err))
			return
		}
	}

	a.log.Info("configuration updated",
		zap.String("identity", identityFrom(r.Context())))
	if a.hooks.RestartWorkers != nil {
		a.hooks.RestartWorkers("configuration update")
	}
	writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
}

// handleStatus summarizes per-group health for operator dashboards.
func (a *API) handleStatus(rw http.ResponseWriter, r *http.Request) {
	snap := a.table.Snapshot()
	type groupStatus struct {
		Name    string                           `json:"name"`
		Targets map[string]registry.TargetHealth `json:"targets"`
	}
	out := make(map[string]groupStatus, len(snap))
	for prefix, g := range snap {
		gs := groupStatus{Name: g.Name, Targets: make(map[string]registry.TargetHealth, len(g.Targets))}
		for _, target := range g.Targets {
			gs.Targets[target] = g.Health[target]
		}
		out[prefix] = gs
	}
	writeJSON(rw, http.StatusOK, out)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
