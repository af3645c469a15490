package backend_test

import (
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/campdir/campdir/core/backend"
	"github.com/campdir/campdir/core/backend/kss"
	"github.com/campdir/campdir/core/client"
	"github.com/campdir/campdir/core/csql"
)

// the directory configuration under test: the four collections with their
// relations and role policies
const testConfigurationJSON string = `{
	"collections": [
		{
			"resource": "user",
			"schema_id": "user",
			"static_properties": ["role"],
			"hidden_properties": ["password_hash", "reset_token_hash", "reset_token_expiry"],
			"external_index": "email",
			"permits": {}
		},
		{
			"resource": "bootcamp",
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
}`

var testSchemas = []string{
	`{
		"$id": "bootcamp",
		"type": "object",
		"properties": {
			"name": {"type": "string", "maxLength": 50},
			"description": {"type": "string"},
			"website": {"type": "string"},
			"averageCost": {"type": "number"},
			"averageRating": {"type": "number"},
			"careers": {"type": "array", "items": {"type": "string"}},
			"housing": {"type": "boolean"},
			"jobAssistance": {"type": "boolean"},
			"photo": {"type": "string"}
		},
		"required": ["name"]
	}`,
	`{
		"$id": "course",
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"description": {"type": "string"},
			"weeks": {"type": "number"},
			"tuition": {"type": "number"},
			"minimumSkill": {"enum": ["beginner", "intermediate", "advanced"]},
			"scholarshipAvailable": {"type": "boolean"}
		},
		"required": ["title"]
	}`,
	`{
		"$id": "review",
		"type": "object",
		"properties": {
			"title": {"type": "string", "maxLength": 100},
			"text": {"type": "string"},
			"rating": {"type": "number", "minimum": 1, "maximum": 10}
		},
		"required": ["title", "rating"]
	}`,
	`{
		"$id": "user",
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"email": {"type": "string"},
			"role": {"type": "string"}
		},
		"required": ["name", "email"]
	}`,
}

// TestService is one backend under test, talking to a real postgres
// database through the in-process client.
type TestService struct {
	Postgres string `env:"POSTGRES,optional"`

	Db           *csql.DB
	Router       *mux.Router
	backend      *backend.Backend
	client       client.Client
	clientNoAuth client.Client
}

// createTestService creates a new service for one test, with a cleared
// database schema. The test is skipped when no database is configured.
// It is expected to close the Db when the service is no longer used.
func createTestService(t *testing.T, schemaName string) *TestService {
	t.Helper()
	if os.Getenv("POSTGRES") == "" {
		t.Skip("skipping database test, POSTGRES is not set")
	}

	s := TestService{}
	if err := envdecode.Decode(&s); err != nil {
		t.Fatal(err)
	}

	s.Db = csql.MustOpen(s.Postgres, schemaName)
	s.Db.ClearSchema()

	s.Router = mux.NewRouter()

	dir, err := os.MkdirTemp("", "kss_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	builder := backend.Builder{
		Config:       backend.MustNewConfiguration(testConfigurationJSON),
		Schemas:      testSchemas,
		DB:           s.Db,
		Router:       s.Router,
		JWTSecret:    "campdir-unit-test-secret",
		UpdateSchema: true,
		KssConfiguration: kss.Configuration{
			DriverType: kss.DriverTypeLocal,
			LocalConfiguration: &kss.LocalConfiguration{
				KeyPrefix: dir,
			},
		},
	}
	s.backend = backend.MustNew(&builder)
	s.client = client.NewWithRouter(s.Router).WithAdminAuthorization()
	s.clientNoAuth = client.NewWithRouter(s.Router)
	t.Cleanup(func() { s.Db.Close() })

	return &s
}
