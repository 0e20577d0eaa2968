package main

import (
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/omicsdm/server/backend"
	"github.com/omicsdm/server/backend/kss"
	"github.com/omicsdm/server/core/access"
	"github.com/omicsdm/server/core/csql"
	"github.com/omicsdm/server/core/logger"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=docker" description:"password for the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=omicsdm" description:"the database schema all relations live in"`
	Port             string `env:"PORT,default=3000" description:"the port the service listens on"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"log level (debug, info, warning, error)"`

	KeycloakURL          string `env:"KEYCLOAK_URL,required" description:"base URL of the Keycloak server"`
	KeycloakRealm        string `env:"KEYCLOAK_REALM,required" description:"the Keycloak realm"`
	KeycloakClientID     string `env:"KEYCLOAK_CLIENT_ID,default=omicsdm" description:"client id for the Keycloak admin API"`
	KeycloakClientSecret string `env:"KEYCLOAK_CLIENT_SECRET,default=" description:"client secret for the Keycloak admin API"`
	KeycloakPublicKey    string `env:"KEYCLOAK_PUBLIC_KEY,required" description:"PEM encoded RSA public key of the realm"`

	S3AccessID  string `env:"S3_ACCESS_ID,default=" description:"access id for the object store"`
	S3AccessKey string `env:"S3_ACCESS_KEY,default=" description:"access key for the object store"`
	S3Bucket    string `env:"S3_BUCKET,default=" description:"bucket data files are stored in"`
	S3Region    string `env:"S3_REGION,default=us-east-1" description:"region of the bucket"`
	S3Endpoint  string `env:"S3_ENDPOINT,default=" description:"endpoint override for Ceph RGW, empty for AWS S3"`

	UploadSigningSecret string `env:"UPLOAD_SIGNING_SECRET,required" description:"secret for signing multipart upload requests"`
	KafkaBrokers        string `env:"KAFKA_BROKERS,default=" description:"comma separated Kafka brokers for entity change events, empty disables events"`
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

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
	defer db.Close()

	var kafkaBrokers []string
	if service.KafkaBrokers != "" {
		kafkaBrokers = strings.Split(service.KafkaBrokers, ",")
	}

	kssConfiguration := kss.Configuration{DriverType: kss.None}
	if service.S3Bucket != "" {
		kssConfiguration = kss.Configuration{
			DriverType: kss.DriverTypeAWSS3,
			S3Configuration: &kss.S3Configuration{
				AccessID:      service.S3AccessID,
				AccessKey:     service.S3AccessKey,
				AWSBucketName: service.S3Bucket,
				AWSRegion:     service.S3Region,
				Endpoint:      service.S3Endpoint,
			},
		}
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewTokenMiddleware(&access.TokenMiddlewareBuilder{
		PublicKeyPEM: []byte(service.KeycloakPublicKey),
	}))

	backend.New(&backend.Builder{
		DB:               db,
		Router:           router,
		KssConfiguration: kssConfiguration,
		GroupDirectory: backend.NewKeycloakDirectory(backend.KeycloakConfiguration{
			BaseURL:      service.KeycloakURL,
			Realm:        service.KeycloakRealm,
			ClientID:     service.KeycloakClientID,
			ClientSecret: service.KeycloakClientSecret,
		}),
		KafkaBrokers:        kafkaBrokers,
		UploadBucket:        service.S3Bucket,
		UploadSigningSecret: service.UploadSigningSecret,
		UpdateSchema:        true,
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)

	logger.Default().Infoln("listen on port :" + service.Port)
	http.ListenAndServe(":"+service.Port, cors(router))
}
