package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/gartenio/core/csql"
	"github.com/relabs-tech/gartenio/core/logger"
	"github.com/relabs-tech/gartenio/core/registry"
	"github.com/relabs-tech/gartenio/iot/admin"
	"github.com/relabs-tech/gartenio/iot/bootstrap"
	"github.com/relabs-tech/gartenio/iot/broker"
	"github.com/relabs-tech/gartenio/iot/credentials"
	"github.com/relabs-tech/gartenio/iot/hook"
	"github.com/relabs-tech/gartenio/iot/ota"
	"github.com/relabs-tech/gartenio/iot/ota/artifact"
	"github.com/relabs-tech/gartenio/iot/policy"
	"github.com/relabs-tech/gartenio/iot/shadow"
	"github.com/relabs-tech/gartenio/iot/topic"
	"github.com/relabs-tech/gartenio/protocol"
	"github.com/relabs-tech/gartenio/protocol/bus"
	"github.com/relabs-tech/gartenio/protocol/coap"
	"github.com/relabs-tech/gartenio/protocol/mqttclient"
	"github.com/relabs-tech/gartenio/protocol/rest"
	"github.com/relabs-tech/gartenio/protocol/udp"
	"github.com/relabs-tech/gartenio/protocol/ws"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres       string `env:"POSTGRES" description:"the connection string for the Postgres DB. Without it, state is kept in memory"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=devicegate" description:"the DB schema for tokens, shadows and upgrade history"`
	Port           string `env:"PORT,default=3000" description:"the port the HTTP API listens on"`
	LogLevel       string `env:"LOG_LEVEL,default=info" description:"the log level"`

	CredentialSecret string        `env:"CREDENTIAL_SECRET,required" description:"the HMAC secret for minted broker passwords"`
	CredentialTTL    time.Duration `env:"CREDENTIAL_TTL,default=24h" description:"the lifetime of minted broker passwords"`

	PolicyFile    string   `env:"POLICY_FILE" description:"the YAML policy tables. Without it, built-in defaults apply"`
	WarmupTenants []string `env:"WARMUP_TENANTS" description:"tenants whose resolvers are built at startup"`

	CatalogFile       string `env:"OTA_CATALOG_FILE" description:"the firmware release catalog. Without it, no upgrades are offered"`
	ArtifactBaseURL   string `env:"OTA_ARTIFACT_BASE_URL" description:"the download base URL for relative artifact keys"`
	ArtifactS3Bucket  string `env:"OTA_S3_BUCKET" description:"the S3 bucket holding firmware artifacts. Takes precedence over the base URL"`
	ArtifactS3Region  string `env:"OTA_S3_REGION" description:"the S3 bucket region"`
	ArtifactAccessID  string `env:"OTA_S3_ACCESS_ID" description:"AWS access key id for the artifact bucket"`
	ArtifactAccessKey string `env:"OTA_S3_ACCESS_KEY" description:"AWS access key for the artifact bucket"`
	ArtifactKeyPrefix string `env:"OTA_S3_KEY_PREFIX" description:"key prefix inside the artifact bucket"`

	EmbeddedBroker    bool   `env:"EMBEDDED_BROKER,default=false" description:"run the embedded MQTT broker"`
	BrokerAddr        string `env:"BROKER_ADDR,default=:1883" description:"the listen address of the embedded broker"`
	SuperuserName     string `env:"BROKER_SUPERUSER_NAME,default=devicegate" description:"the broker identity of the gateway itself"`
	SuperuserPassword string `env:"BROKER_SUPERUSER_PASSWORD" description:"the password of the gateway's broker identity. Required with the embedded broker"`

	MqttBrokerURL  string `env:"MQTT_BROKER_URL" description:"an external MQTT broker, e.g. tcp://localhost:1883"`
	WebsocketURL   string `env:"WEBSOCKET_GATEWAY_URL" description:"the websocket gateway, e.g. wss://gateway.example.com/iot"`
	HTTPGatewayURL string `env:"HTTP_GATEWAY_URL" description:"the HTTP long-poll gateway"`
	UDPGatewayAddr string `env:"UDP_GATEWAY_ADDR" description:"the UDP gateway, e.g. gateway.example.com:7700"`
	CoapAddr       string `env:"COAP_GATEWAY_ADDR" description:"the CoAP gateway, e.g. gateway.example.com:5683"`

	BusDriver    string   `env:"BUS_DRIVER,default=memory" description:"the message bus driver: memory or kafka"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" description:"the Kafka bootstrap brokers"`
	KafkaTopic   string   `env:"KAFKA_TOPIC,default=device-messages" description:"the Kafka topic for device messages"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID,default=devicegate" description:"the Kafka consumer group"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)
	log := logger.Default()

	// stores: postgres when configured, in-memory otherwise
	var tokens credentials.TokenStore
	var history ota.History
	var shadowStore shadow.Store
	if len(service.Postgres) > 0 {
		db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
		defer db.Close()
		reg := registry.New(db)
		tokens = credentials.NewRegistryTokenStore(reg)
		history = ota.NewRegistryHistory(reg)
		shadowStore = shadow.NewSQLStore(db)
	} else {
		log.Warningln("POSTGRES is not set, keeping all state in memory")
		tokens = credentials.NewMemoryTokenStore()
		history = ota.NewMemoryHistory()
		shadowStore = shadow.NewMemoryStore()
	}

	var source policy.Source
	if len(service.PolicyFile) > 0 {
		source = policy.FileSource(service.PolicyFile)
	}
	policyRegistry, err := policy.NewRegistry(source)
	if err != nil {
		panic(err)
	}
	if err := policyRegistry.Warmup(service.WarmupTenants); err != nil {
		panic(err)
	}

	var decider *ota.Decider
	var reloadOta func() error
	if len(service.CatalogFile) > 0 {
		catalog, err := ota.LoadCatalog(service.CatalogFile)
		if err != nil {
			panic(err)
		}
		var artifacts artifact.Driver
		if len(service.ArtifactS3Bucket) > 0 {
			artifacts, err = artifact.NewS3(artifact.S3Configuration{
				AWSBucketName: service.ArtifactS3Bucket,
				AWSRegion:     service.ArtifactS3Region,
				AccessID:      service.ArtifactAccessID,
				AccessKey:     service.ArtifactAccessKey,
				KeyPrefix:     service.ArtifactKeyPrefix,
			})
		} else if len(service.ArtifactBaseURL) > 0 {
			artifacts, err = artifact.NewLocal(service.ArtifactBaseURL)
		}
		if err != nil {
			panic(err)
		}
		decider = ota.MustNewDecider(&ota.Builder{
			Catalog:   catalog,
			History:   history,
			Artifacts: artifacts,
		})
		reloadOta = func() error {
			catalog, err := ota.LoadCatalog(service.CatalogFile)
			if err != nil {
				return err
			}
			decider.Reload(catalog)
			return nil
		}
	}

	minter := credentials.NewMinter([]byte(service.CredentialSecret), service.CredentialTTL)

	messageBus, err := bus.New(bus.Configuration{
		DriverType:   bus.DriverType(service.BusDriver),
		KafkaBrokers: service.KafkaBrokers,
		KafkaTopic:   service.KafkaTopic,
		KafkaGroupID: service.KafkaGroupID,
	})
	if err != nil {
		panic(err)
	}

	var embeddedBroker *broker.Broker
	mqttBrokerURL := service.MqttBrokerURL
	if service.EmbeddedBroker {
		if len(service.SuperuserPassword) == 0 {
			panic("BROKER_SUPERUSER_PASSWORD is required with the embedded broker")
		}
		embeddedBroker = broker.NewBroker(&broker.Builder{
			Addr:              service.BrokerAddr,
			Registry:          policyRegistry,
			Minter:            minter,
			Tokens:            tokens,
			SuperuserName:     service.SuperuserName,
			SuperuserPassword: service.SuperuserPassword,
		})
		if len(mqttBrokerURL) == 0 {
			mqttBrokerURL = "tcp://localhost" + service.BrokerAddr
		}
	}

	manager := protocol.NewManager(messageBus)
	var adapters []protocol.Adapter
	if len(mqttBrokerURL) > 0 {
		adapters = append(adapters, mqttclient.New(mqttclient.Config{
			BrokerURL: mqttBrokerURL,
			ClientID:  "devicegate",
			Username:  service.SuperuserName,
			Password:  service.SuperuserPassword,
		}))
	}
	if len(service.WebsocketURL) > 0 {
		adapters = append(adapters, ws.New(ws.Config{URL: service.WebsocketURL}))
	}
	if len(service.HTTPGatewayURL) > 0 {
		adapters = append(adapters, rest.New(rest.Config{BaseURL: service.HTTPGatewayURL}))
	}
	if len(service.UDPGatewayAddr) > 0 {
		adapters = append(adapters, udp.New(udp.Config{Address: service.UDPGatewayAddr}))
	}
	if len(service.CoapAddr) > 0 {
		adapters = append(adapters, coap.New(coap.Config{Address: service.CoapAddr}))
	}
	for _, a := range adapters {
		if err := manager.Register(a); err != nil {
			panic(err)
		}
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)

	shadowAPI := shadow.NewAPI(&shadow.Builder{
		Store:     shadowStore,
		Router:    router,
		Publisher: manager,
	})
	bootstrap.MustNewAPI(&bootstrap.Builder{
		Registry: policyRegistry,
		Router:   router,
		Minter:   minter,
		Decider:  decider,
		Tokens:   tokens,
		Shadows:  shadowAPI,
	})
	hook.NewAPI(&hook.Builder{
		Registry:          policyRegistry,
		Router:            router,
		Tokens:            tokens,
		Minter:            minter,
		SuperuserName:     service.SuperuserName,
		SuperuserPassword: service.SuperuserPassword,
	})
	admin.NewAPI(&admin.Builder{
		Registry:  policyRegistry,
		Router:    router,
		Adapters:  manager,
		ReloadOta: reloadOta,
	})

	cancelConsume, err := shadowAPI.ConsumeReported(messageBus)
	if err != nil {
		panic(err)
	}
	cancelOtaConsume := func() {}
	if decider != nil {
		cancelOtaConsume, err = decider.ConsumeProgress(messageBus)
		if err != nil {
			panic(err)
		}
	}

	if embeddedBroker != nil {
		embeddedBroker.Run()
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.Initialize(startupCtx); err != nil {
		panic(err)
	}
	// every adapter feeds the full device topic space into the manager
	for _, a := range adapters {
		if err := a.Subscribe(startupCtx, topic.Prefix+"/#", protocol.SubscribeOptions{Qos: 1}); err != nil {
			log.Warningln("cannot subscribe", a.Protocol(), "adapter:", err.Error())
		}
	}
	cancel()

	server := &http.Server{
		Addr:    ":" + service.Port,
		Handler: handlers.CombinedLoggingHandler(os.Stdout, router),
	}
	go func() {
		log.Infoln("listen on port :" + service.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalln(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Infoln("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorln("cannot shut down http server:", err.Error())
	}
	cancelConsume()
	cancelOtaConsume()
	manager.Shutdown(shutdownCtx)
	if embeddedBroker != nil {
		if err := embeddedBroker.Shutdown(shutdownCtx); err != nil {
			log.Errorln("cannot shut down broker:", err.Error())
		}
	}
}
