package backend_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// User is the test view of a user document
type User struct {
	UserID uuid.UUID `json:"user_id"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
	Role   string    `json:"role"`
}

type tokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

func TestAccountRegisterAndLogin(t *testing.T) {
	s := createTestService(t, "backend_unit_test_register")

	registration := map[string]interface{}{
		"name":     "John Doe",
		"email":    "john@gmail.com",
		"password": "123456",
	}
	var registered tokenResponse
	status, err := s.clientNoAuth.Post("/api/v1/auth/register", registration, &registered)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, registered.Token)

	// the bearer token authenticates follow-up requests
	var me struct {
		Data User `json:"data"`
	}
	status, err = s.clientNoAuth.WithToken(registered.Token).Get("/api/v1/auth/me", &me)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "john@gmail.com", me.Data.Email)
	assert.Equal(t, "user", me.Data.Role, "role defaults to user")

	status, _ = s.clientNoAuth.Get("/api/v1/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// duplicate email
	status, err = s.clientNoAuth.Post("/api/v1/auth/register", registration, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate email")

	var loggedIn tokenResponse
	status, err = s.clientNoAuth.Post("/api/v1/auth/login",
		map[string]interface{}{"email": "john@gmail.com", "password": "123456"}, &loggedIn)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, loggedIn.Token)

	// a wrong password and an unknown email are indistinguishable
	status, err = s.clientNoAuth.Post("/api/v1/auth/login",
		map[string]interface{}{"email": "john@gmail.com", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
	status, err = s.clientNoAuth.Post("/api/v1/auth/login",
		map[string]interface{}{"email": "nobody@gmail.com", "password": "123456"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestAccountRegisterRestrictions(t *testing.T) {
	s := createTestService(t, "backend_unit_test_register_restrictions")

	status, err := s.clientNoAuth.Post("/api/v1/auth/register", map[string]interface{}{
		"name": "Short", "email": "short@gmail.com", "password": "12345",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 6 characters")

	status, err = s.clientNoAuth.Post("/api/v1/auth/register", map[string]interface{}{
		"name": "No Password", "email": "nopass@gmail.com",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)

	// admins are not self-service
	status, err = s.clientNoAuth.Post("/api/v1/auth/register", map[string]interface{}{
		"name": "Eve", "email": "eve@gmail.com", "password": "123456", "role": "admin",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)

	// publishers are
	status, err = s.clientNoAuth.Post("/api/v1/auth/register", map[string]interface{}{
		"name": "Pat Publisher", "email": "pat@gmail.com", "password": "123456", "role": "publisher",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
}

func TestAccountUpdateDetailsAndPassword(t *testing.T) {
	s := createTestService(t, "backend_unit_test_account_update")

	var registered tokenResponse
	_, err := s.clientNoAuth.Post("/api/v1/auth/register", map[string]interface{}{
		"name": "John Doe", "email": "john@gmail.com", "password": "123456",
	}, &registered)
	require.NoError(t, err)
	authenticated := s.clientNoAuth.WithToken(registered.Token)

	var updated struct {
		Data User `json:"data"`
	}
	status, err := authenticated.Put("/api/v1/auth/updatedetails", map[string]interface{}{
		"name": "John Smith", "email": "johnsmith@gmail.com", "role": "admin",
	}, &updated)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "John Smith", updated.Data.Name)
	assert.Equal(t, "johnsmith@gmail.com", updated.Data.Email)
	assert.Equal(t, "user", updated.Data.Role, "details update must not touch the role")

	status, err = authenticated.Put("/api/v1/auth/updatepassword", map[string]interface{}{
		"currentPassword": "wrong", "newPassword": "654321",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password is incorrect")

	var renewed tokenResponse
	status, err = authenticated.Put("/api/v1/auth/updatepassword", map[string]interface{}{
		"currentPassword": "123456", "newPassword": "654321",
	}, &renewed)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, renewed.Token)

	status, err = s.clientNoAuth.Post("/api/v1/auth/login",
		map[string]interface{}{"email": "johnsmith@gmail.com", "password": "654321"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	status, _ = s.clientNoAuth.Post("/api/v1/auth/login",
		map[string]interface{}{"email": "johnsmith@gmail.com", "password": "123456"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAccountPasswordReset(t *testing.T) {
	s := createTestService(t, "backend_unit_test_password_reset")

	_, err := s.clientNoAuth.Post("/api/v1/auth/register", map[string]interface{}{
		"name": "John Doe", "email": "john@gmail.com", "password": "123456",
	}, nil)
	require.NoError(t, err)

	status, err := s.clientNoAuth.Post("/api/v1/auth/forgotpassword",
		map[string]interface{}{"email": "nobody@gmail.com"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.Error(t, err)

	status, err = s.clientNoAuth.Post("/api/v1/auth/forgotpassword",
		map[string]interface{}{"email": "john@gmail.com"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	// the reset token is delivered out of band, a made-up one does not work
	status, err = s.clientNoAuth.Put("/api/v1/auth/resetpassword/deadbeef",
		map[string]interface{}{"password": "654321"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestAccountUserAdministration(t *testing.T) {
	s := createTestService(t, "backend_unit_test_users")

	var created struct {
		Data map[string]interface{} `json:"data"`
	}
	status, err := s.client.Post("/api/v1/users", map[string]interface{}{
		"name": "Managed User", "email": "managed@gmail.com", "password": "123456", "role": "publisher",
	}, &created)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	assert.NotContains(t, created.Data, "password_hash", "credential material must never leak")
	assert.NotContains(t, created.Data, "password")
	assert.Equal(t, "publisher", created.Data["role"])

	// the managed user can log in with the assigned password
	status, err = s.clientNoAuth.Post("/api/v1/auth/login",
		map[string]interface{}{"email": "managed@gmail.com", "password": "123456"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	// user administration is for admins only
	status, _ = s.clientNoAuth.Get("/api/v1/users", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = s.clientNoAuth.WithRole("publisher").Get("/api/v1/users", nil)
	assert.Equal(t, http.StatusForbidden, status)

	var page struct {
		Count int                      `json:"count"`
		Data  []map[string]interface{} `json:"data"`
	}
	status, err = s.client.Get("/api/v1/users", &page)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, page.Count)
	assert.NotContains(t, page.Data[0], "password_hash")
}
