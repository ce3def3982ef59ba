package broker

import (
	"context"
	"net"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/gartenio/core/logger"
	"github.com/relabs-tech/gartenio/iot/credentials"
	"github.com/relabs-tech/gartenio/iot/policy"
	"github.com/relabs-tech/gartenio/iot/topic"
)

// Broker is the embedded MQTT broker.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker.
type Builder struct {
	// Addr is the listen address. The default is ":1883".
	Addr string
	// Registry resolves device policies. This is mandatory.
	Registry *policy.Registry
	// Minter verifies minted passwords. Optional if Tokens is set.
	Minter *credentials.Minter
	// Tokens verifies opaque device tokens. Optional if Minter is set.
	Tokens credentials.TokenStore
	// SuperuserName and SuperuserPassword identify the one connection
	// that bypasses topic authorization. Optional.
	SuperuserName     string
	SuperuserPassword string
}

// plugin is the gmqtt plugin enforcing authentication and topic
// policy.
type plugin struct {
	registry          *policy.Registry
	minter            *credentials.Minter
	tokens            credentials.TokenStore
	superuserName     string
	superuserPassword string

	mu         sync.RWMutex
	superusers map[string]struct{}

	ln      net.Listener
	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not actually run
// until you call Run().
func NewBroker(b *Builder) *Broker {
	if b.Registry == nil {
		panic("Registry is missing")
	}
	if b.Minter == nil && b.Tokens == nil {
		panic("either Minter or Tokens is required")
	}
	addr := b.Addr
	if len(addr) == 0 {
		addr = ":1883"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		panic(err)
	}
	broker := &Broker{
		p: &plugin{
			registry:          b.Registry,
			minter:            b.Minter,
			tokens:            b.Tokens,
			superuserName:     b.SuperuserName,
			superuserPassword: b.SuperuserPassword,
			superusers:        make(map[string]struct{}),
		},
	}
	broker.p.ln = ln
	return broker
}

// Run starts the broker in the background.
func (b *Broker) Run() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("embedded mqtt broker listening on", b.p.ln.Addr().String())
}

// Shutdown stops the broker.
func (b *Broker) Shutdown(ctx context.Context) error {
	if b.p.service == nil {
		return nil
	}
	stopper, ok := b.p.service.(interface{ Stop(context.Context) error })
	if !ok {
		return nil
	}
	return stopper.Stop(ctx)
}

// PublishMessageQ1 publishes an MQTT message with quality level 1.
func (b *Broker) PublishMessageQ1(t string, payload []byte) {
	if b.p.service == nil {
		return
	}
	msg := gmqtt.NewMessage(t, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements the gmqtt plugin interface.
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements the gmqtt plugin interface.
func (p *plugin) Unload() error { return nil }

// Name implements the gmqtt plugin interface.
func (p *plugin) Name() string { return "gartenio broker" }

// HookWrapper implements the gmqtt plugin interface.
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

// authenticate verifies a connection. It returns the authenticated
// device id ("" for the superuser) and whether the connection is
// allowed at all.
func (p *plugin) authenticate(clientID, username, password string) (deviceID string, superuser, ok bool) {
	if p.superuserName != "" && username == p.superuserName {
		return "", password == p.superuserPassword, password == p.superuserPassword
	}
	clientTenant, clientDevice, parsed := credentials.ParseBrokerIdentity(clientID)
	if !parsed {
		return "", false, false
	}
	userTenant, userDevice, parsed := credentials.ParseBrokerIdentity(username)
	if !parsed || userTenant != clientTenant || userDevice != clientDevice {
		return "", false, false
	}
	if p.tokens != nil {
		ownerTenant, ownerDevice, err := p.tokens.Lookup(password)
		if err == nil {
			return clientDevice, false, ownerTenant == clientTenant && ownerDevice == clientDevice
		}
	}
	if p.minter != nil {
		mintedTenant, mintedDevice, err := p.minter.Verify(password)
		if err == nil && mintedTenant == clientTenant && mintedDevice == clientDevice {
			return clientDevice, false, true
		}
	}
	return "", false, false
}

// authorize checks one publish or subscribe against the device's
// policy. Subscription filters may carry the '+' wildcard the ACL
// advertises. Fails closed.
func (p *plugin) authorize(t, action, deviceID string) bool {
	address, ok := topic.ParseFilter(t)
	if !ok {
		return false
	}
	resolver, err := p.registry.GetOrCreate(address.Tenant, address.DeviceType)
	if err != nil {
		return false
	}
	return resolver.Authorize(t, action, deviceID)
}

func (p *plugin) isSuperuser(clientID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.superusers[clientID]
	return ok
}

// OnConnectWrapper authenticates every connection.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		_, superuser, ok := p.authenticate(options.ClientID(), options.Username(), options.Password())
		if !ok {
			logger.Default().Warningln("broker: connect denied for", options.ClientID())
			return packets.CodeBadUsernameorPsw
		}
		if superuser {
			p.mu.Lock()
			p.superusers[options.ClientID()] = struct{}{}
			p.mu.Unlock()
		}
		logger.Default().Infoln("broker: connect", options.ClientID())
		return connect(ctx, client)
	}
}

// OnCloseWrapper forgets superuser connections.
func (p *plugin) OnCloseWrapper(onClose gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.mu.Lock()
		delete(p.superusers, client.OptionsReader().ClientID())
		p.mu.Unlock()
		onClose(ctx, client, err)
	}
}

// OnSubscribeWrapper enforces the subscribe side of the topic policy.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, t packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if p.isSuperuser(clientID) {
			return subscribe(ctx, client, t)
		}
		_, deviceID, ok := credentials.ParseBrokerIdentity(clientID)
		if !ok || !p.authorize(t.Name, policy.ActionSubscribe, deviceID) {
			logger.Default().Warningln("broker: subscribe denied for", clientID, "on", t.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, t)
	}
}

// OnMsgArrivedWrapper enforces the publish side of the topic policy.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		if p.isSuperuser(clientID) {
			return arrived(ctx, client, msg)
		}
		_, deviceID, ok := credentials.ParseBrokerIdentity(clientID)
		if !ok || !p.authorize(msg.Topic(), policy.ActionPublish, deviceID) {
			logger.Default().Warningln("broker: publish denied for", clientID, "on", msg.Topic())
			return false
		}
		return arrived(ctx, client, msg)
	}
}
