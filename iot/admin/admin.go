/*Package admin serves the operational endpoints of the device
gateway: health, runtime statistics, and the explicit reload trigger
that replaces filesystem watching for policy and firmware catalogs.
*/
package admin

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/gartenio/core/logger"
	"github.com/relabs-tech/gartenio/iot/policy"
	"github.com/relabs-tech/gartenio/protocol"
)

// AdapterStates reports the lifecycle state of every protocol adapter.
type AdapterStates interface {
	States() map[protocol.Protocol]protocol.State
}

// API serves the admin endpoints.
type API struct {
	registry  *policy.Registry
	adapters  AdapterStates
	reloadOta func() error
}

// Builder is a builder helper for the admin API.
type Builder struct {
	// Registry is the policy registry. This is mandatory.
	Registry *policy.Registry
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Adapters reports adapter states in /admin/stats. Optional.
	Adapters AdapterStates
	// ReloadOta re-reads the firmware catalog on /admin/reload.
	// Optional.
	ReloadOta func() error
}

// NewAPI realizes the actual API and adds its routes to the router.
func NewAPI(b *Builder) *API {
	if b.Registry == nil {
		panic("Registry is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	s := &API{
		registry:  b.Registry,
		adapters:  b.Adapters,
		reloadOta: b.ReloadOta,
	}
	s.handleRoutes(b.Router)
	return s
}

type statsResponse struct {
	Registry policy.Stats                        `json:"registry"`
	Adapters map[protocol.Protocol]protocol.State `json:"adapters,omitempty"`
}

func (s *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("admin: handle route /healthz GET")
	logger.Default().Debugln("admin: handle route /admin/stats GET")
	logger.Default().Debugln("admin: handle route /admin/reload POST")
	logger.Default().Debugln("admin: handle route /admin/invalidate/{tenant_id} POST")

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/admin/stats", func(w http.ResponseWriter, r *http.Request) {
		response := statsResponse{Registry: s.registry.Stats()}
		if s.adapters != nil {
			response.Adapters = s.adapters.States()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}).Methods(http.MethodGet)

	router.HandleFunc("/admin/reload", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		if err := s.registry.Reload(); err != nil {
			rlog.Errorln("admin: policy reload failed:", err.Error())
			http.Error(w, "reload failed", http.StatusInternalServerError)
			return
		}
		if s.reloadOta != nil {
			if err := s.reloadOta(); err != nil {
				rlog.Errorln("admin: ota reload failed:", err.Error())
				http.Error(w, "reload failed", http.StatusInternalServerError)
				return
			}
		}
		rlog.Infoln("admin: configuration reloaded")
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	router.HandleFunc("/admin/invalidate/{tenant_id}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		deviceTypes := r.URL.Query()["deviceType"]
		s.registry.Invalidate(params["tenant_id"], deviceTypes...)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
}
