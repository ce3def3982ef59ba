package shadow

import (
	"context"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/gartenio/core/logger"
	"github.com/relabs-tech/gartenio/iot"
	"github.com/relabs-tech/gartenio/iot/topic"
	"github.com/relabs-tech/gartenio/protocol"
	"github.com/relabs-tech/gartenio/protocol/bus"
)

// API is the RESTful interface for device shadows.
type API struct {
	store     Store
	publisher iot.MessagePublisher
}

// Builder is a builder helper for the shadow API.
type Builder struct {
	// Store persists the shadows. This is mandatory.
	Store Store
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Publisher pushes desired state to connected devices. Optional;
	// without it, devices only receive desired state at bootstrap.
	Publisher iot.MessagePublisher
}

// NewAPI realizes the actual API and adds its routes to the router.
func NewAPI(b *Builder) *API {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	s := &API{
		store:     b.Store,
		publisher: b.Publisher,
	}
	s.handleRoutes(b.Router)
	return s
}

// Desired returns the stored desired state of a device, for the
// bootstrap response. Devices without a shadow get nil.
func (s *API) Desired(tenantID, deviceID string) (json.RawMessage, error) {
	shadow, ok, err := s.store.Get(tenantID, deviceID)
	if err != nil || !ok {
		return nil, err
	}
	return shadow.Desired, nil
}

// ConsumeReported subscribes to the bus and records every
// shadow-reported message. The returned function cancels the
// subscription.
func (s *API) ConsumeReported(b bus.Bus) (func(), error) {
	return b.Subscribe(func(ctx context.Context, e bus.Envelope) {
		if e.Type != string(protocol.TypeShadowReported) {
			return
		}
		if !json.Valid(e.Payload) {
			logger.FromContext(ctx).Warningln("shadow: dropping invalid reported state from:", e.DeviceID)
			return
		}
		if err := s.store.SetReported(e.TenantID, e.DeviceID, e.Payload); err != nil {
			logger.FromContext(ctx).Errorln("shadow: cannot store reported state:", err.Error())
		}
	})
}

func (s *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("shadow: handle route /shadow/{tenant_id}/{device_type}/{device_id} GET")
	logger.Default().Debugln("shadow: handle route /shadow/{tenant_id}/{device_type}/{device_id}/desired GET,PUT")
	logger.Default().Debugln("shadow: handle route /shadow/{tenant_id}/{device_type}/{device_id}/reported GET")

	router.HandleFunc("/shadow/{tenant_id}/{device_type}/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		shadow, ok, err := s.store.Get(params["tenant_id"], params["device_id"])
		if err != nil {
			logger.FromContext(r.Context()).Errorln("shadow: cannot read shadow:", err.Error())
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "no such shadow", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		jsonData, _ := json.MarshalIndent(shadow, "", " ")
		w.Write(jsonData)
	}).Methods(http.MethodGet)

	router.HandleFunc("/shadow/{tenant_id}/{device_type}/{device_id}/desired", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		shadow, ok, err := s.store.Get(params["tenant_id"], params["device_id"])
		if err != nil {
			logger.FromContext(r.Context()).Errorln("shadow: cannot read shadow:", err.Error())
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "no such shadow", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(shadow.Desired)
	}).Methods(http.MethodGet)

	router.HandleFunc("/shadow/{tenant_id}/{device_type}/{device_id}/reported", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		shadow, ok, err := s.store.Get(params["tenant_id"], params["device_id"])
		if err != nil {
			logger.FromContext(r.Context()).Errorln("shadow: cannot read shadow:", err.Error())
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "no such shadow", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(shadow.Reported)
	}).Methods(http.MethodGet)

	router.HandleFunc("/shadow/{tenant_id}/{device_type}/{device_id}/desired", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		tenantID := params["tenant_id"]
		deviceType := params["device_type"]
		deviceID := params["device_id"]

		body, _ := io.ReadAll(r.Body)
		if !json.Valid(body) {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		desiredTopic, err := topic.ForChannel(tenantID, deviceType, deviceID,
			topic.ChannelShadow+"/"+topic.SubchannelDesired)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.store.SetDesired(tenantID, deviceID, body); err != nil {
			logger.FromContext(r.Context()).Errorln("shadow: cannot store desired state:", err.Error())
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if s.publisher != nil {
			s.publisher.PublishMessageQ1(desiredTopic, body)
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)
}
