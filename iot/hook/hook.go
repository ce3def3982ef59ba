package hook

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/gartenio/core/logger"
	"github.com/relabs-tech/gartenio/iot/credentials"
	"github.com/relabs-tech/gartenio/iot/policy"
	"github.com/relabs-tech/gartenio/iot/topic"
)

// API serves the broker-facing webhooks.
type API struct {
	registry          *policy.Registry
	tokens            credentials.TokenStore
	minter            *credentials.Minter
	superuserName     string
	superuserPassword string
}

// Builder is a builder helper for the webhook API.
type Builder struct {
	// Registry resolves device policies. This is mandatory.
	Registry *policy.Registry
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Tokens verifies opaque device tokens on the auth webhook.
	// Optional if Minter is set.
	Tokens credentials.TokenStore
	// Minter verifies minted passwords on the auth webhook. Optional
	// if Tokens is set.
	Minter *credentials.Minter
	// SuperuserName and SuperuserPassword identify the one connection
	// that bypasses topic authorization, the same identity the embedded
	// broker honors. Optional.
	SuperuserName     string
	SuperuserPassword string
}

// NewAPI realizes the actual API and adds its routes to the router.
func NewAPI(b *Builder) *API {
	if b.Registry == nil {
		panic("Registry is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Tokens == nil && b.Minter == nil {
		panic("either Tokens or Minter is required")
	}
	s := &API{
		registry:          b.Registry,
		tokens:            b.Tokens,
		minter:            b.Minter,
		superuserName:     b.SuperuserName,
		superuserPassword: b.SuperuserPassword,
	}
	s.handleRoutes(b.Router)
	return s
}

type aclRequest struct {
	ClientID string `json:"clientid"`
	Username string `json:"username"`
	Password string `json:"password"`
	Topic    string `json:"topic"`
	Action   string `json:"action"`
	Qos      int    `json:"qos"`
	Retain   bool   `json:"retain"`
}

type authRequest struct {
	ClientID string `json:"clientid"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type webhookResponse struct {
	Result      string `json:"result"`
	IsSuperuser bool   `json:"is_superuser,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func respond(w http.ResponseWriter, response webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func deny(w http.ResponseWriter, reason string) {
	respond(w, webhookResponse{Result: "deny", Reason: reason})
}

func (s *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("hook: handle route /hooks/acl POST")
	logger.Default().Debugln("hook: handle route /hooks/auth POST")

	router.HandleFunc("/hooks/acl", s.acl).Methods(http.MethodPost)
	router.HandleFunc("/hooks/auth", s.auth).Methods(http.MethodPost)
}

// acl authorizes one publish or subscribe. Every failure path is a
// deny; the broker must never be left hanging or told "allow" on an
// internal error.
func (s *API) acl(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())

	var request aclRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		deny(w, "malformed request")
		return
	}
	if s.superuserName != "" && request.Username == s.superuserName {
		respond(w, webhookResponse{Result: "allow", IsSuperuser: true})
		return
	}
	clientTenant, clientDevice, ok := credentials.ParseBrokerIdentity(request.ClientID)
	if !ok {
		deny(w, "invalid client id")
		return
	}
	userTenant, userDevice, ok := credentials.ParseBrokerIdentity(request.Username)
	if !ok || userTenant != clientTenant || userDevice != clientDevice {
		deny(w, "identity mismatch")
		return
	}
	address, ok := topic.ParseFilter(request.Topic)
	if !ok {
		deny(w, "invalid topic")
		return
	}
	if address.Tenant != clientTenant || address.DeviceID != clientDevice {
		deny(w, "foreign topic")
		return
	}
	resolver, err := s.registry.GetOrCreate(address.Tenant, address.DeviceType)
	if err != nil {
		rlog.Warningln("hook: cannot resolve policy:", err.Error())
		deny(w, "")
		return
	}
	if !resolver.Authorize(request.Topic, request.Action, clientDevice) {
		deny(w, "not permitted")
		return
	}
	respond(w, webhookResponse{Result: "allow"})
}

// auth authenticates one connection. The password is either an opaque
// token from the token store or a minted password whose subject must
// match the connecting identity.
func (s *API) auth(w http.ResponseWriter, r *http.Request) {
	var request authRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		deny(w, "malformed request")
		return
	}
	if s.superuserName != "" && request.Username == s.superuserName {
		if request.Password == s.superuserPassword {
			respond(w, webhookResponse{Result: "allow", IsSuperuser: true})
			return
		}
		deny(w, "bad credentials")
		return
	}
	tenantID, deviceID, ok := credentials.ParseConnectClientID(request.ClientID)
	if !ok {
		deny(w, "invalid client id")
		return
	}
	if request.Username != deviceID {
		deny(w, "identity mismatch")
		return
	}
	if request.Password == "" {
		deny(w, "missing password")
		return
	}

	if s.tokens != nil {
		ownerTenant, ownerDevice, err := s.tokens.Lookup(request.Password)
		if err == nil {
			if ownerTenant == tenantID && ownerDevice == deviceID {
				respond(w, webhookResponse{Result: "allow"})
				return
			}
			deny(w, "identity mismatch")
			return
		}
		if err != credentials.ErrUnknownToken {
			logger.FromContext(r.Context()).Warningln("hook: token lookup failed:", err.Error())
			deny(w, "")
			return
		}
	}
	if s.minter != nil {
		mintedTenant, mintedDevice, err := s.minter.Verify(request.Password)
		if err == nil && mintedTenant == tenantID && mintedDevice == deviceID {
			respond(w, webhookResponse{Result: "allow"})
			return
		}
	}
	deny(w, "bad credentials")
}
