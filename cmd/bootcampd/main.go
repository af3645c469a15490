// Bootcampd is the bootcamp directory service: a REST backend for
// bootcamps, their courses and reviews, and the accounts that publish and
// review them.
package main

import (
	"context"
	"embed"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/campdir/campdir/core/backend"
	"github.com/campdir/campdir/core/backend/kss"
	"github.com/campdir/campdir/core/csql"
	"github.com/campdir/campdir/core/logger"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var configurationJSON string = `
{
	"collections": [
		{
			"resource": "user",
			"description": "an account of the directory",
			"schema_id": "user",
			"static_properties": ["role"],
			"hidden_properties": ["password_hash", "reset_token_hash", "reset_token_expiry"],
			"external_index": "email",
			"permits": {}
		},
		{
			"resource": "bootcamp",
			"description": "a bootcamp in the directory",
			"schema_id": "bootcamp",
			"owned": true,
			"single_per_owner": true,
			"with_photo": true,
			"permits": {
				"public": ["read", "list"],
				"publisher": ["create", "update", "delete"]
			}
		},
		{
			"resource": "course",
			"description": "a course offered by a bootcamp",
			"parent": "bootcamp",
			"schema_id": "course",
			"owned": true,
			"parent_ownership": true,
			"populate": "bootcamp",
			"permits": {
				"public": ["read", "list"],
				"publisher": ["create", "update", "delete"]
			}
		},
		{
			"resource": "review",
			"description": "a review of a bootcamp",
			"parent": "bootcamp",
			"schema_id": "review",
			"owned": true,
			"populate": "bootcamp",
			"permits": {
				"public": ["read", "list"],
				"user": ["create", "update", "delete"]
			}
		}
	]
}
`

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres       string        `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	PostgresSchema string        `env:"POSTGRES_SCHEMA,default=campdir" description:"the database schema to use"`
	Port           string        `env:"PORT,default=3000" description:"the port to listen on"`
	LogLevel       string        `env:"LOG_LEVEL,default=info" description:"the log level, one of panic, fatal, error, warn, info, debug, trace"`
	JWTSecret      string        `env:"JWT_SECRET,required" description:"the secret to sign bearer tokens with"`
	JWTLifetime    time.Duration `env:"JWT_LIFETIME,default=720h" description:"the lifetime of issued bearer tokens"`

	AdminEmail    string `env:"ADMIN_EMAIL,optional" description:"email of the bootstrap admin account"`
	AdminPassword string `env:"ADMIN_PASSWORD,optional" description:"password of the bootstrap admin account"`

	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers for change events"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=campdir.changes" description:"the kafka topic for change events"`

	KssDriver        string `env:"KSS_DRIVER,default=local" description:"the file storage driver, local or aws-s3"`
	KssLocalBasedir  string `env:"KSS_LOCAL_BASEDIR,default=./files" description:"base directory for the local file storage"`
	KssAWSBucketName string `env:"KSS_AWS_BUCKET_NAME,optional" description:"S3 bucket for file storage"`
	KssAWSRegion     string `env:"KSS_AWS_REGION,optional" description:"S3 region for file storage"`
	KssAWSAccessID   string `env:"KSS_AWS_ACCESS_ID,optional" description:"S3 access id for file storage"`
	KssAWSAccessKey  string `env:"KSS_AWS_ACCESS_KEY,optional" description:"S3 access key for file storage"`
}

func main() {
	godotenv.Load()

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

	schemas, err := loadSchemas()
	if err != nil {
		panic(err)
	}

	db := csql.MustOpen(service.Postgres, service.PostgresSchema)
	defer db.Close()

	var notifier backend.Notifier
	if service.KafkaBrokers != "" {
		kafkaNotifier := backend.NewKafkaNotifier(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
		log.Infoln("publishing change events to kafka topic", service.KafkaTopic)
	}

	kssConfiguration, err := kssConfiguration(service)
	if err != nil {
		panic(err)
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	b := backend.MustNew(&backend.Builder{
		Config:           backend.MustNewConfiguration(configurationJSON),
		Schemas:          schemas,
		DB:               db,
		Router:           router,
		JWTSecret:        service.JWTSecret,
		TokenLifetime:    service.JWTLifetime,
		Notifier:         notifier,
		KssConfiguration: kssConfiguration,
		UpdateSchema:     true,
	})

	if service.AdminEmail != "" && service.AdminPassword != "" {
		if err := b.EnsureAdminAccount(context.Background(), "Admin", service.AdminEmail, service.AdminPassword); err != nil {
			panic(err)
		}
	}

	log.Infoln("listen on port :" + service.Port)
	log.Fatal(http.ListenAndServe(":"+service.Port, router))
}

func loadSchemas() ([]string, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	var schemas []string
	for _, entry := range entries {
		data, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, string(data))
	}
	return schemas, nil
}

func kssConfiguration(service *Service) (kss.Configuration, error) {
	switch kss.DriverType(service.KssDriver) {
	case kss.DriverTypeLocal:
		return kss.Configuration{
			DriverType: kss.DriverTypeLocal,
			LocalConfiguration: &kss.LocalConfiguration{
				KeyPrefix: service.KssLocalBasedir,
			},
		}, nil
	case kss.DriverTypeAWSS3:
		return kss.Configuration{
			DriverType: kss.DriverTypeAWSS3,
			S3Configuration: &kss.S3Configuration{
				AWSBucketName: service.KssAWSBucketName,
				AWSRegion:     service.KssAWSRegion,
				AccessID:      service.KssAWSAccessID,
				AccessKey:     service.KssAWSAccessKey,
			},
		}, nil
	case kss.None:
		return kss.Configuration{}, nil
	}
	return kss.Configuration{}, fmt.Errorf("unknown kss driver %s", service.KssDriver)
}
