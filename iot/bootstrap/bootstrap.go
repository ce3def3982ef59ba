/*Package bootstrap serves the device bootstrap endpoint.

A device introduces itself with a single POST and receives everything
it needs to operate: its canonical topics, QoS/retain rules, ACL,
broker credentials, the firmware upgrade decision, and the desired
shadow state it missed while offline.

Requests are validated against an embedded JSON schema before any
policy computation runs; validation failures return per-field errors.
*/
package bootstrap

import (
	"embed"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/gartenio/core/logger"
	"github.com/relabs-tech/gartenio/core/schema"
	"github.com/relabs-tech/gartenio/iot"
	"github.com/relabs-tech/gartenio/iot/credentials"
	"github.com/relabs-tech/gartenio/iot/ota"
	"github.com/relabs-tech/gartenio/iot/policy"
	"github.com/relabs-tech/gartenio/iot/topic"
)

//go:embed bootstrap_request.json
var schemaFS embed.FS

const requestSchemaID = "bootstrap_request"

// DesiredProvider returns the stored desired shadow state of a device.
type DesiredProvider interface {
	Desired(tenantID, deviceID string) (json.RawMessage, error)
}

// API serves the bootstrap endpoint.
type API struct {
	registry  *policy.Registry
	decider   *ota.Decider
	minter    *credentials.Minter
	tokens    credentials.TokenStore
	shadows   DesiredProvider
	validator *schema.Validator
}

// Builder is a builder helper for the bootstrap API.
type Builder struct {
	// Registry resolves device policies. This is mandatory.
	Registry *policy.Registry
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Minter creates broker credentials. This is mandatory.
	Minter *credentials.Minter
	// Decider makes the firmware upgrade decision. Optional; without
	// it no upgrades are offered.
	Decider *ota.Decider
	// Tokens receives every minted password so the auth webhook can
	// verify it as an opaque token. Optional.
	Tokens credentials.TokenStore
	// Shadows returns stored desired state. Optional.
	Shadows DesiredProvider
}

// MustNewAPI realizes the actual API and adds its routes to the
// router. It panics when the embedded request schema does not compile.
func MustNewAPI(b *Builder) *API {
	if b.Registry == nil {
		panic("Registry is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Minter == nil {
		panic("Minter is missing")
	}
	validator, err := schema.NewValidatorFromFS(schemaFS)
	if err != nil {
		panic(err)
	}
	s := &API{
		registry:  b.Registry,
		decider:   b.Decider,
		minter:    b.Minter,
		tokens:    b.Tokens,
		shadows:   b.Shadows,
		validator: validator,
	}
	s.handleRoutes(b.Router)
	return s
}

type mqttData struct {
	Topics          topic.Topics       `json:"topics"`
	Acl             policy.Acl         `json:"acl"`
	QosRetainPolicy []policy.QosRetain `json:"qosRetainPolicy"`
	credentials.Credentials
}

type bootstrapData struct {
	Mqtt          mqttData            `json:"mqtt"`
	Ota           ota.Decision        `json:"ota"`
	ShadowDesired json.RawMessage     `json:"shadowDesired,omitempty"`
	Policies      policy.DevicePolicy `json:"policies"`
}

type bootstrapResponse struct {
	Success bool          `json:"success"`
	Data    bootstrapData `json:"data"`
}

type errorResponse struct {
	Success bool                `json:"success"`
	Error   string              `json:"error,omitempty"`
	Errors  []schema.FieldError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("bootstrap: handle route /bootstrap POST")
	router.HandleFunc("/bootstrap", s.bootstrap).Methods(http.MethodPost)
}

func (s *API) bootstrap(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot read request body"})
		return
	}
	if fieldErrors, err := s.validator.ValidateBytes(body, requestSchemaID); err != nil {
		if len(fieldErrors) == 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json data"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Errors: fieldErrors})
		return
	}
	var request iot.BootstrapRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json data"})
		return
	}

	resolver, err := s.registry.GetOrCreate(request.TenantID, request.DeviceType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	devicePolicy, err := resolver.Resolve(request)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	creds, err := s.minter.Mint(request.TenantID, request.DeviceID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if s.tokens != nil {
		if err := s.tokens.Save(creds.Password, request.TenantID, request.DeviceID); err != nil {
			rlog.Errorln("bootstrap: cannot store device token:", err.Error())
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
	}

	decision := ota.Decision{Available: false, Reason: "no_release"}
	if s.decider != nil && devicePolicy.Capabilities.SupportsOta {
		decision = s.decider.Decide(r.Context(), request, request.TenantID)
	}

	var desired json.RawMessage
	if s.shadows != nil && devicePolicy.Capabilities.SupportsShadow {
		desired, err = s.shadows.Desired(request.TenantID, request.DeviceID)
		if err != nil {
			rlog.Errorln("bootstrap: cannot read shadow:", err.Error())
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
	}

	rlog.WithField("identity", request.TenantID+"/"+request.DeviceID).
		Infoln("bootstrap:", request.DeviceType, "firmware", request.Firmware.Current)

	writeJSON(w, http.StatusOK, bootstrapResponse{
		Success: true,
		Data: bootstrapData{
			Mqtt: mqttData{
				Topics:          devicePolicy.Topics,
				Acl:             devicePolicy.Acl,
				QosRetainPolicy: devicePolicy.QosRetain,
				Credentials:     creds,
			},
			Ota:           decision,
			ShadowDesired: desired,
			Policies:      devicePolicy,
		},
	})
}
