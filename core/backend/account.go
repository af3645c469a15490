package backend

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/campdir/campdir/core"
	"github.com/campdir/campdir/core/access"
	"github.com/campdir/campdir/core/logger"
)

// The account routes assume these properties on the identity collection:
// role as a static property, email as the external index, and the hidden
// statics below for the credential material.
const (
	staticRole             = "role"
	staticEmail            = "email"
	staticPasswordHash     = "password_hash"
	staticResetTokenHash   = "reset_token_hash"
	staticResetTokenExpiry = "reset_token_expiry"
)

const (
	passwordMinLength    = 6
	resetTokenLifetime   = 10 * time.Minute
	resetTokenExpiryTime = time.RFC3339
)

// errInvalidCredentials deliberately does not distinguish between an
// unknown email and a wrong password.
var errInvalidCredentials = &Error{Kind: KindUnauthorized, Message: "invalid credentials"}

// createAccountRoutes mounts the self-service account routes below
// /auth. Registration, login and the password-reset pair are public;
// the rest requires a principal.
func (b *Backend) createAccountRoutes() {
	log := logger.Default()
	log.Debugln("create account routes:")
	log.Debugln("  handle routes:", basePath+"/auth/register", "POST")
	log.Debugln("  handle routes:", basePath+"/auth/login", "POST")
	log.Debugln("  handle routes:", basePath+"/auth/logout", "GET")
	log.Debugln("  handle routes:", basePath+"/auth/me", "GET")
	log.Debugln("  handle routes:", basePath+"/auth/updatedetails", "PUT")
	log.Debugln("  handle routes:", basePath+"/auth/updatepassword", "PUT")
	log.Debugln("  handle routes:", basePath+"/auth/forgotpassword", "POST")
	log.Debugln("  handle routes:", basePath+"/auth/resetpassword/{resettoken}", "PUT")

	b.router.HandleFunc(basePath+"/auth/register", b.authRegister).Methods(http.MethodOptions, http.MethodPost)
	b.router.HandleFunc(basePath+"/auth/login", b.authLogin).Methods(http.MethodOptions, http.MethodPost)
	b.router.HandleFunc(basePath+"/auth/logout", b.authLogout).Methods(http.MethodOptions, http.MethodGet)
	b.router.HandleFunc(basePath+"/auth/me", b.authMe).Methods(http.MethodOptions, http.MethodGet)
	b.router.HandleFunc(basePath+"/auth/updatedetails", b.authUpdateDetails).Methods(http.MethodOptions, http.MethodPut)
	b.router.HandleFunc(basePath+"/auth/updatepassword", b.authUpdatePassword).Methods(http.MethodOptions, http.MethodPut)
	b.router.HandleFunc(basePath+"/auth/forgotpassword", b.authForgotPassword).Methods(http.MethodOptions, http.MethodPost)
	b.router.HandleFunc(basePath+"/auth/resetpassword/{resettoken}", b.authResetPassword).Methods(http.MethodOptions, http.MethodPut)
}

// hashPasswordField replaces a plain password in the document with the
// bcrypt hash under the hidden password_hash property.
func hashPasswordField(doc Document) error {
	password, ok := doc["password"].(string)
	if !ok {
		return nil
	}
	delete(doc, "password")
	if len(password) < passwordMinLength {
		return validationf("password must be at least %d characters", passwordMinLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	doc[staticPasswordHash] = string(hash)
	return nil
}

// sendTokenResponse issues a bearer token for the identity and writes it
// both into the response body and into an http-only cookie for browser
// clients.
func (b *Backend) sendTokenResponse(w http.ResponseWriter, r *http.Request, userID uuid.UUID, status int) {
	token, err := b.tokens.Sign(userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     access.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(b.tokens.Lifetime()),
		HttpOnly: true,
	})
	writeJSON(w, status, envelope{Success: true, Token: token})
}

func (b *Backend) authRegister(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, ok := doc["password"].(string); !ok {
		writeError(w, r, validationf("please add a password"))
		return
	}
	if err := hashPasswordField(doc); err != nil {
		writeError(w, r, err)
		return
	}
	role, _ := doc[staticRole].(string)
	switch role {
	case "":
		doc[staticRole] = "user"
	case "user", "publisher":
	default:
		// admins are not self-service
		writeError(w, r, validationf("cannot register with role %s", role))
		return
	}

	created, err := b.repository.Create(r.Context(), identityResource, doc, CreateMeta{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, _ := created.ID(identityResource)
	b.notify(r.Context(), identityResource, core.OperationCreate, id)
	b.sendTokenResponse(w, r, id, http.StatusCreated)
}

func (b *Backend) authLogin(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	email, _ := doc[staticEmail].(string)
	password, _ := doc["password"].(string)
	if email == "" || password == "" {
		writeError(w, r, validationf("please provide an email and password"))
		return
	}

	user, err := b.accountByEmail(r.Context(), email)
	if err != nil {
		writeError(w, r, errInvalidCredentials)
		return
	}
	hash, _ := user[staticPasswordHash].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		writeError(w, r, errInvalidCredentials)
		return
	}
	id, _ := user.ID(identityResource)
	b.sendTokenResponse(w, r, id, http.StatusOK)
}

func (b *Backend) authLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     access.CookieName,
		Value:    "none",
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Second),
		HttpOnly: true,
	})
	writeData(w, http.StatusOK, struct{}{})
}

func (b *Backend) authMe(w http.ResponseWriter, r *http.Request) {
	principal := access.PrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, r, errNotAuthorized)
		return
	}
	doc, err := b.repository.Get(r.Context(), identityResource, principal.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, doc)
}

// authUpdateDetails updates name and email of the authenticated account.
// Other fields, in particular role and password, are ignored here.
func (b *Backend) authUpdateDetails(w http.ResponseWriter, r *http.Request) {
	principal := access.PrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, r, errNotAuthorized)
		return
	}
	doc, err := decodeDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	patch := Document{}
	if name, ok := doc["name"]; ok {
		patch["name"] = name
	}
	if email, ok := doc[staticEmail]; ok {
		patch[staticEmail] = email
	}
	updated, err := b.repository.Update(r.Context(), identityResource, principal.UserID, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b.cache.Invalidate(principal.UserID)
	writeData(w, http.StatusOK, updated)
}

func (b *Backend) authUpdatePassword(w http.ResponseWriter, r *http.Request) {
	principal := access.PrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, r, errNotAuthorized)
		return
	}
	doc, err := decodeDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	current, _ := doc["currentPassword"].(string)
	m, err := b.repository.model(identityResource)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := b.repository.getWhere(r.Context(), m, sq.Eq{m.idColumn: principal.UserID}, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hash, _ := user[staticPasswordHash].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(current)) != nil {
		writeError(w, r, &Error{Kind: KindUnauthorized, Message: "password is incorrect"})
		return
	}

	patch := Document{"password": doc["newPassword"]}
	if err := hashPasswordField(patch); err != nil {
		writeError(w, r, err)
		return
	}
	newHash, _ := patch[staticPasswordHash].(string)
	if newHash == "" {
		writeError(w, r, validationf("please provide a new password"))
		return
	}
	err = b.repository.setStatics(r.Context(), identityResource, principal.UserID,
		map[string]string{staticPasswordHash: newHash})
	if err != nil {
		writeError(w, r, err)
		return
	}
	b.cache.Invalidate(principal.UserID)
	b.sendTokenResponse(w, r, principal.UserID, http.StatusOK)
}

// authForgotPassword issues a reset token for the account. Only the
// SHA-256 of the token is stored; the reset URL is logged for delivery by
// an operator, there is no mail integration.
func (b *Backend) authForgotPassword(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	email, _ := doc[staticEmail].(string)
	if email == "" {
		writeError(w, r, validationf("please provide an email"))
		return
	}
	user, err := b.accountByEmail(r.Context(), email)
	if err != nil {
		writeError(w, r, notFoundf("there is no user with that email"))
		return
	}
	id, _ := user.ID(identityResource)

	token, tokenHash, err := newResetToken()
	if err != nil {
		writeError(w, r, err)
		return
	}
	expiry := time.Now().UTC().Add(resetTokenLifetime).Format(resetTokenExpiryTime)
	err = b.repository.setStatics(r.Context(), identityResource, id, map[string]string{
		staticResetTokenHash:   tokenHash,
		staticResetTokenExpiry: expiry,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).Infof("password reset requested for %s: %s/auth/resetpassword/%s",
		email, basePath, token)
	writeData(w, http.StatusOK, "reset token issued")
}

func (b *Backend) authResetPassword(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["resettoken"]
	tokenHash := hashResetToken(token)

	m, err := b.repository.model(identityResource)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := b.repository.getWhere(r.Context(), m,
		sq.Eq{`"` + staticResetTokenHash + `"`: tokenHash}, true)
	if err != nil {
		writeError(w, r, validationf("invalid token"))
		return
	}
	expiryString, _ := user[staticResetTokenExpiry].(string)
	expiry, err := time.Parse(resetTokenExpiryTime, expiryString)
	if err != nil || time.Now().After(expiry) {
		writeError(w, r, validationf("invalid token"))
		return
	}

	doc, err := decodeDocument(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	patch := Document{"password": doc["password"]}
	if err := hashPasswordField(patch); err != nil {
		writeError(w, r, err)
		return
	}
	newHash, _ := patch[staticPasswordHash].(string)
	if newHash == "" {
		writeError(w, r, validationf("please provide a password"))
		return
	}

	id, _ := user.ID(identityResource)
	err = b.repository.setStatics(r.Context(), identityResource, id, map[string]string{
		staticPasswordHash:     newHash,
		staticResetTokenHash:   "",
		staticResetTokenExpiry: "",
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	b.cache.Invalidate(id)
	b.sendTokenResponse(w, r, id, http.StatusOK)
}

// accountByEmail reads the identity record including its hidden credential
// material.
func (b *Backend) accountByEmail(ctx context.Context, email string) (Document, error) {
	m, err := b.repository.model(identityResource)
	if err != nil {
		return nil, err
	}
	return b.repository.getWhere(ctx, m, sq.Eq{`"` + staticEmail + `"`: email}, true)
}

// EnsureAdminAccount creates an admin identity with the given credentials
// if no account with that email exists yet. Intended for service
// bootstrapping, there is no other way to obtain an admin.
func (b *Backend) EnsureAdminAccount(ctx context.Context, name, email, password string) error {
	if _, err := b.accountByEmail(ctx, email); err == nil {
		return nil
	}
	doc := Document{
		"name":      name,
		staticEmail: email,
		staticRole:  access.RoleAdmin,
		"password":  password,
	}
	if err := hashPasswordField(doc); err != nil {
		return err
	}
	_, err := b.repository.Create(ctx, identityResource, doc, CreateMeta{})
	if err == nil {
		logger.Default().Infoln("created admin account", email)
	}
	return err
}

// newResetToken returns a fresh random token and its storable hash.
func newResetToken() (token string, tokenHash string, err error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(raw)
	return token, hashResetToken(token), nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
