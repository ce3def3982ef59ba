package test

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/gartenio/core/csql"
	"github.com/relabs-tech/gartenio/core/registry"
	"github.com/relabs-tech/gartenio/iot/admin"
	"github.com/relabs-tech/gartenio/iot/bootstrap"
	"github.com/relabs-tech/gartenio/iot/credentials"
	"github.com/relabs-tech/gartenio/iot/hook"
	"github.com/relabs-tech/gartenio/iot/ota"
	"github.com/relabs-tech/gartenio/iot/policy"
	"github.com/relabs-tech/gartenio/iot/shadow"
	"github.com/relabs-tech/gartenio/protocol/bus"
)

const messageTopic = "device-messages"

// IntegrationTestSuite runs the device gateway against a real Postgres
// and a real Kafka, both started as containers.
type IntegrationTestSuite struct {
	suite.Suite

	network           testcontainers.Network
	postgresContainer testcontainers.Container
	kafkaContainer    testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	dbConn *csql.DB
	router *mux.Router
	srv    *http.Server

	Registry   *policy.Registry
	Minter     *credentials.Minter
	Tokens     credentials.TokenStore
	ShadowAPI  *shadow.API
	MessageBus bus.Bus

	cancelConsume func()
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	// Create a shared Docker network for Kafka and Zookeeper
	networkName := "test-kafka-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(messageTopic, 1))

	s.dbConn = csql.OpenWithSchema(fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB), "devicegate")

	reg := registry.New(s.dbConn)
	s.Tokens = credentials.NewRegistryTokenStore(reg)
	s.Minter = credentials.NewMinter([]byte("integration-secret"), time.Hour)

	s.Registry, err = policy.NewRegistry(nil)
	s.Require().NoError(err)

	s.MessageBus, err = bus.New(bus.Configuration{
		DriverType:   bus.DriverTypeKafka,
		KafkaBrokers: []string{s.kafkaAddr},
		KafkaTopic:   messageTopic,
		KafkaGroupID: "devicegate-test",
	})
	s.Require().NoError(err)

	s.router = mux.NewRouter()
	s.ShadowAPI = shadow.NewAPI(&shadow.Builder{
		Store:  shadow.NewSQLStore(s.dbConn),
		Router: s.router,
	})
	bootstrap.MustNewAPI(&bootstrap.Builder{
		Registry: s.Registry,
		Router:   s.router,
		Minter:   s.Minter,
		Tokens:   s.Tokens,
		Shadows:  s.ShadowAPI,
		Decider: ota.MustNewDecider(&ota.Builder{
			Catalog: &ota.Catalog{},
			History: ota.NewRegistryHistory(reg),
		}),
	})
	hook.NewAPI(&hook.Builder{
		Registry: s.Registry,
		Router:   s.router,
		Tokens:   s.Tokens,
		Minter:   s.Minter,
	})
	admin.NewAPI(&admin.Builder{
		Registry: s.Registry,
		Router:   s.router,
	})

	s.cancelConsume, err = s.ShadowAPI.ConsumeReported(s.MessageBus)
	s.Require().NoError(err)

	s.srv = &http.Server{
		Addr:    ":8080",
		Handler: s.router,
	}
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.T().Errorf("Failed to start HTTP server: %v", err)
		}
	}()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.cancelConsume != nil {
		s.cancelConsume()
	}
	if s.MessageBus != nil {
		_ = s.MessageBus.Shutdown(ctx)
	}
	if s.srv != nil {
		err := s.srv.Shutdown(ctx)
		s.Require().NoError(err)
	}
	if s.dbConn != nil {
		s.dbConn.Close()
	}
	if s.kafkaContainer != nil {
		err := s.kafkaContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}
