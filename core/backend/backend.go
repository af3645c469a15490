/*
Package backend implements the configurable REST backend of the bootcamp
directory: generic document collections over Postgres, declarative role
policies, account self-service routes and file payload storage.

The backend is declared, not coded: a Configuration lists the resource
collections with their relations and permissions, and the backend derives
storage tables and REST routes from it.
*/
package backend

import (
	"context"
	"errors"
	"net/http"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/campdir/campdir/core"
	"github.com/campdir/campdir/core/access"
	"github.com/campdir/campdir/core/backend/kss"
	"github.com/campdir/campdir/core/csql"
	"github.com/campdir/campdir/core/logger"
	"github.com/campdir/campdir/core/schema"
)

// basePath is prepended to all REST routes.
const basePath = "/api/v1"

// identityResource is the collection that backs authentication. Its
// records carry the credential material and the role.
const identityResource = "user"

// Builder is the input builder to create a backend
type Builder struct {
	// Config is the declarative backend configuration. Mandatory.
	Config Configuration
	// Schemas are the JSON validation schemas referenced from the
	// configuration, one document per string.
	Schemas []string
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Router is the mux router the backend attaches its routes to. Mandatory.
	Router *mux.Router
	// JWTSecret signs and verifies bearer tokens. Mandatory.
	JWTSecret string
	// TokenLifetime is the lifetime of issued bearer tokens.
	// Defaults to 30 days.
	TokenLifetime time.Duration
	// Notifier receives resource change events. Optional.
	Notifier Notifier
	// KssConfiguration configures file payload storage. Optional; without
	// it the photo routes are not mounted.
	KssConfiguration kss.Configuration
	// UpdateSchema creates and migrates the database schema at startup.
	UpdateSchema bool
}

// Backend is the configurable REST backend
type Backend struct {
	config     Configuration
	db         *csql.DB
	router     *mux.Router
	repository *Repository
	tokens     *access.Tokens
	cache      *access.PrincipalCache
	notifier   Notifier
	kssDriver  kss.Driver
}

// New creates a backend from a builder: it validates the configuration,
// updates the database schema if requested, and attaches all routes to the
// builder's router.
func New(bb *Builder) (*Backend, error) {
	validator, err := schema.NewValidator(bb.Schemas, nil)
	if err != nil {
		return nil, err
	}

	repository, err := newRepository(bb.DB, validator, bb.Config, bb.UpdateSchema)
	if err != nil {
		return nil, err
	}

	kssDriver, err := kss.NewDriver(bb.KssConfiguration)
	if err != nil {
		return nil, err
	}

	lifetime := bb.TokenLifetime
	if lifetime == 0 {
		lifetime = 30 * 24 * time.Hour
	}

	b := &Backend{
		config:     bb.Config,
		db:         bb.DB,
		router:     bb.Router,
		repository: repository,
		tokens:     access.NewTokens(bb.JWTSecret, lifetime),
		cache:      access.NewPrincipalCache(),
		notifier:   bb.Notifier,
		kssDriver:  kssDriver,
	}

	b.handleCORS()
	b.handleCompression()
	b.router.Use(b.tokens.Middleware(b, b.cache))

	for _, rc := range bb.Config.Collections {
		m, err := repository.model(rc.Resource)
		if err != nil {
			return nil, err
		}
		b.createCollectionRoutes(m)
	}
	if _, ok := repository.models[identityResource]; ok {
		b.createAccountRoutes()
	}
	return b, nil
}

// MustNew is like New, but panics on error
func MustNew(bb *Builder) *Backend {
	b, err := New(bb)
	if err != nil {
		panic(err)
	}
	return b
}

// Repository returns the backend's resource repository, for programmatic
// access outside the REST routes.
func (b *Backend) Repository() *Repository {
	return b.repository
}

// Tokens returns the backend's token signer/verifier.
func (b *Backend) Tokens() *access.Tokens {
	return b.tokens
}

// ResolvePrincipal looks up the identity record and returns its principal.
// It implements access.PrincipalResolver for the jwt middleware.
func (b *Backend) ResolvePrincipal(ctx context.Context, userID uuid.UUID) (*access.Principal, error) {
	m, err := b.repository.model(identityResource)
	if err != nil {
		return nil, err
	}
	doc, err := b.repository.getWhere(ctx, m, sq.Eq{m.idColumn: userID}, false)
	if err != nil {
		var condition *Error
		if errors.As(err, &condition) && condition.Kind == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	principal := &access.Principal{UserID: userID}
	if role, ok := doc["role"].(string); ok {
		principal.Role = role
	}
	if email, ok := doc["email"].(string); ok {
		principal.Email = email
	}
	return principal, nil
}

// createCollectionRoutes mounts the five collection operations, plus the
// child routes below the parent and the photo route where configured.
func (b *Backend) createCollectionRoutes(m *resourceModel) {
	plural := core.Plural(m.Resource)
	listRoute := basePath + "/" + plural
	itemRoute := listRoute + "/{" + m.idColumn + "}"

	log := logger.Default()
	log.Debugln("create routes for collection", m.Resource)
	log.Debugln("  handle routes:", listRoute, "GET POST")
	log.Debugln("  handle routes:", itemRoute, "GET PUT DELETE")

	b.router.HandleFunc(listRoute, b.collectionList(m, false)).Methods(http.MethodOptions, http.MethodGet)
	b.router.HandleFunc(listRoute, b.collectionCreate(m, false)).Methods(http.MethodOptions, http.MethodPost)
	b.router.HandleFunc(itemRoute, b.collectionRead(m)).Methods(http.MethodOptions, http.MethodGet)
	b.router.HandleFunc(itemRoute, b.collectionUpdate(m)).Methods(http.MethodOptions, http.MethodPut)
	b.router.HandleFunc(itemRoute, b.collectionDelete(m)).Methods(http.MethodOptions, http.MethodDelete)

	if m.Parent != "" {
		childRoute := basePath + "/" + core.Plural(m.Parent) + "/{" + m.parentColumn + "}/" + plural
		log.Debugln("  handle routes:", childRoute, "GET POST")
		b.router.HandleFunc(childRoute, b.collectionList(m, true)).Methods(http.MethodOptions, http.MethodGet)
		b.router.HandleFunc(childRoute, b.collectionCreate(m, true)).Methods(http.MethodOptions, http.MethodPost)
	}

	if m.WithPhoto && b.kssDriver != nil {
		photoRoute := itemRoute + "/photo"
		log.Debugln("  handle routes:", photoRoute, "GET PUT")
		b.router.HandleFunc(photoRoute, b.collectionReadPhoto(m)).Methods(http.MethodOptions, http.MethodGet)
		b.router.HandleFunc(photoRoute, b.collectionUploadPhoto(m)).Methods(http.MethodOptions, http.MethodPut)
	}
}
