package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/account"
	"github.com/EDRN/biokey/internal/database/models"
	"github.com/EDRN/biokey/internal/directory"
	"github.com/EDRN/biokey/internal/service"
)

type MockTrees struct {
	mock.Mock
}

func (m *MockTrees) GetTree(ctx context.Context, slug string) (*models.DirectoryTree, error) {
	args := m.Called(slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DirectoryTree), args.Error(1)
}

type MockAccounts struct {
	mock.Mock
}

func (m *MockAccounts) CreateAccount(ctx context.Context, tree *models.DirectoryTree, req service.SignupRequest) (string, error) {
	args := m.Called(tree, req)
	return args.String(0), args.Error(1)
}

func (m *MockAccounts) PotentialAccounts(ctx context.Context, tree *models.DirectoryTree, firstName, lastName string) ([]string, error) {
	args := m.Called(tree, firstName, lastName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockAccounts) ForgottenDetails(ctx context.Context, tree *models.DirectoryTree, req service.ForgottenRequest) error {
	return m.Called(tree, req).Error(0)
}

func (m *MockAccounts) ChangeKnownPassword(ctx context.Context, tree *models.DirectoryTree, uid, current, newPassword string) error {
	return m.Called(tree, uid, current, newPassword).Error(0)
}

func (m *MockAccounts) CheckReset(ctx context.Context, tree *models.DirectoryTree, uid, token string) error {
	return m.Called(tree, uid, token).Error(0)
}

func (m *MockAccounts) ResetPassword(ctx context.Context, tree *models.DirectoryTree, uid, token, newPassword string) error {
	return m.Called(tree, uid, token, newPassword).Error(0)
}

func (m *MockAccounts) ListPending(ctx context.Context, tree *models.DirectoryTree) ([]*models.PendingUser, error) {
	args := m.Called(tree)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PendingUser), args.Error(1)
}

func (m *MockAccounts) GetPending(ctx context.Context, tree *models.DirectoryTree, uid string) (*models.PendingUser, error) {
	args := m.Called(tree, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PendingUser), args.Error(1)
}

func (m *MockAccounts) AcceptPendingUser(ctx context.Context, tree *models.DirectoryTree, pending *models.PendingUser, actor *service.Actor) error {
	return m.Called(tree, pending, actor).Error(0)
}

func (m *MockAccounts) RejectPendingUser(ctx context.Context, tree *models.DirectoryTree, pending *models.PendingUser, notify bool, actor *service.Actor) error {
	return m.Called(tree, pending, notify, actor).Error(0)
}

func (m *MockAccounts) ListGroups(ctx context.Context, tree *models.DirectoryTree) ([]account.Group, error) {
	args := m.Called(tree)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]account.Group), args.Error(1)
}

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	return m.Called().Error(0)
}

var edrnTree = &models.DirectoryTree{
	ID:          "tree-1",
	Slug:        "edrn",
	Title:       "Early Detection Research Network",
	HelpAddress: "help@example.com",
	URI:         "ldaps://secret.example.com",
}

func ldapError(code uint16) error {
	return ldap.NewError(code, errors.New("directory refused"))
}

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

// setupHandlers registers every handler the way the API router does, with
// staff identity injected instead of checked
func setupHandlers(trees *MockTrees, accounts *MockAccounts, staff *service.Actor) *gin.Engine {
	router := setupTestRouter()
	logger := zap.NewNop()

	signup := NewSignupHandler(trees, accounts, logger)
	password := NewPasswordHandler(trees, accounts, logger)
	pending := NewPendingHandler(trees, accounts, logger)

	router.GET("/pwreset/:slug/:uid/:token", password.CheckReset)
	router.POST("/pwreset/:slug/:uid", password.Reset)
	router.GET("/api/v1/trees/:slug", signup.GetTree)
	router.POST("/api/v1/trees/:slug/signup/lookup", signup.Lookup)
	router.POST("/api/v1/trees/:slug/signup", signup.Signup)
	router.POST("/api/v1/trees/:slug/forgotten", password.Forgotten)
	router.POST("/api/v1/trees/:slug/password", password.ChangePassword)

	withStaff := func(c *gin.Context) {
		if staff != nil {
			c.Set("username", staff.Username)
			c.Set("email", staff.Email)
			c.Set("role", staff.Role)
		}
	}
	router.GET("/api/v1/trees/:slug/pending", withStaff, pending.ListPending)
	router.POST("/api/v1/trees/:slug/pending/:uid/accept", withStaff, pending.Accept)
	router.POST("/api/v1/trees/:slug/pending/:uid/reject", withStaff, pending.Reject)
	router.DELETE("/api/v1/trees/:slug/pending/:uid", withStaff, pending.Discard)
	return router
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSignupHandler(t *testing.T) {
	t.Run("Tree info hides directory settings", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodGet, "/api/v1/trees/edrn", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "Early Detection Research Network", body["title"])
		assert.Equal(t, "help@example.com", body["help_address"])
		assert.NotContains(t, w.Body.String(), "secret.example.com")
	})

	t.Run("Unknown tree", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "nope").Return(nil, service.ErrTreeNotFound)

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodGet, "/api/v1/trees/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Signup returns the uid", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		req := service.SignupRequest{FirstName: "John", LastName: "Doe", Email: "jdoe@example.com", Phone: "555"}
		accounts.On("CreateAccount", edrnTree, req).Return("jdoe", nil)

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/api/v1/trees/edrn/signup",
			map[string]string{"first_name": "John", "last_name": "Doe", "email": "jdoe@example.com", "phone": "555"})

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "jdoe", decode(t, w)["uid"])
		accounts.AssertExpectations(t)
	})

	t.Run("Signup without last name never reaches the service", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/api/v1/trees/edrn/signup",
			map[string]string{"first_name": "John", "email": "jdoe@example.com"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		accounts.AssertNotCalled(t, "CreateAccount", mock.Anything, mock.Anything)
	})

	t.Run("Service validation errors name the field", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("CreateAccount", edrnTree, mock.Anything).
			Return("", &service.ValidationError{Field: "email", Message: "is not a valid address"})

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/api/v1/trees/edrn/signup",
			map[string]string{"last_name": "Doe", "email": "bogus"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "email", decode(t, w)["field"])
	})

	t.Run("Lost name race is a conflict", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		exists := &directory.DirectoryError{Op: "add", DN: "uid=jdoe", Err: ldapError(68)}
		accounts.On("CreateAccount", edrnTree, mock.Anything).Return("", fmt.Errorf("failed to create account jdoe: %w", exists))

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/api/v1/trees/edrn/signup",
			map[string]string{"last_name": "Doe", "email": "jdoe@example.com"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Lookup returns an empty list rather than null", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("PotentialAccounts", edrnTree, "John", "Doe").Return(nil, nil)

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/api/v1/trees/edrn/signup/lookup",
			map[string]string{"first_name": "John", "last_name": "Doe"})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"emails":[]}`, w.Body.String())
	})
}

func TestPasswordHandler(t *testing.T) {
	t.Run("Forgotten answers the same whatever happened", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("ForgottenDetails", edrnTree, service.ForgottenRequest{UID: "jdoe"}).Return(nil)
		accounts.On("ForgottenDetails", edrnTree, service.ForgottenRequest{UID: "nobody"}).Return(nil)
		router := setupHandlers(trees, accounts, nil)

		known := doJSON(router, http.MethodPost, "/api/v1/trees/edrn/forgotten", map[string]string{"uid": "jdoe"})
		unknown := doJSON(router, http.MethodPost, "/api/v1/trees/edrn/forgotten", map[string]string{"uid": "nobody"})

		assert.Equal(t, http.StatusOK, known.Code)
		assert.Equal(t, known.Body.String(), unknown.Body.String())
	})

	t.Run("Forgotten surfaces an unreachable directory", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("ForgottenDetails", edrnTree, mock.Anything).
			Return(&directory.ConnectionError{URI: "ldaps://x", Err: errors.New("refused")})

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/api/v1/trees/edrn/forgotten", map[string]string{"uid": "jdoe"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("Reset link failures all read the same", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("CheckReset", edrnTree, "jdoe", "good").Return(nil)
		accounts.On("CheckReset", edrnTree, "jdoe", "bad").Return(service.ErrInvalidResetRequest)
		accounts.On("CheckReset", edrnTree, "nobody", "good").Return(service.ErrInvalidResetRequest)
		router := setupHandlers(trees, accounts, nil)

		ok := doJSON(router, http.MethodGet, "/pwreset/edrn/jdoe/good", nil)
		assert.Equal(t, http.StatusOK, ok.Code)

		bad := doJSON(router, http.MethodGet, "/pwreset/edrn/jdoe/bad", nil)
		unknown := doJSON(router, http.MethodGet, "/pwreset/edrn/nobody/good", nil)
		assert.Equal(t, http.StatusBadRequest, bad.Code)
		assert.Equal(t, bad.Body.String(), unknown.Body.String())
		assert.Equal(t, invalidResetMessage, decode(t, bad)["error"])
	})

	t.Run("Reset with matching passwords", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("ResetPassword", edrnTree, "jdoe", "tok", "N3w!Passw0rd").Return(nil)

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/pwreset/edrn/jdoe",
			map[string]string{"token": "tok", "new_password": "N3w!Passw0rd", "confirm_new_password": "N3w!Passw0rd"})

		assert.Equal(t, http.StatusOK, w.Code)
		accounts.AssertExpectations(t)
	})

	t.Run("Reset with mismatched confirmation", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/pwreset/edrn/jdoe",
			map[string]string{"token": "tok", "new_password": "N3w!Passw0rd", "confirm_new_password": "other"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "confirm_new_password", decode(t, w)["field"])
		accounts.AssertNotCalled(t, "ResetPassword", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Change password outcomes", func(t *testing.T) {
		cases := []struct {
			name   string
			err    error
			status int
		}{
			{"success", nil, http.StatusOK},
			{"wrong current password", service.ErrInvalidPassword, http.StatusUnauthorized},
			{"externally managed", service.ErrExternallyManaged, http.StatusConflict},
			{"weak password", &service.ValidationError{Field: "new_password", Message: "too weak"}, http.StatusBadRequest},
			{"unexpected", errors.New("boom"), http.StatusInternalServerError},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				trees, accounts := new(MockTrees), new(MockAccounts)
				trees.On("GetTree", "edrn").Return(edrnTree, nil)
				accounts.On("ChangeKnownPassword", edrnTree, "jdoe", "Old!Passw0rd", "N3w!Passw0rd").Return(tc.err)

				w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/api/v1/trees/edrn/password", map[string]string{
					"uid": "jdoe", "current_password": "Old!Passw0rd",
					"new_password": "N3w!Passw0rd", "confirm_new_password": "N3w!Passw0rd",
				})
				assert.Equal(t, tc.status, w.Code)
			})
		}
	})
}

func TestPendingHandler(t *testing.T) {
	staff := &service.Actor{Username: "kelly", Email: "kelly@example.com", Role: "staff"}
	jdoe := &models.PendingUser{ID: "p1", UID: "jdoe", LastName: "Doe", Email: "jdoe@example.com"}

	t.Run("List", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("ListPending", edrnTree).Return([]*models.PendingUser{jdoe}, nil)

		w := doJSON(setupHandlers(trees, accounts, staff), http.MethodGet, "/api/v1/trees/edrn/pending", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		var users []models.PendingUser
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
		require.Len(t, users, 1)
		assert.Equal(t, "jdoe", users[0].UID)
	})

	t.Run("Accept passes the acting staff member", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("GetPending", edrnTree, "jdoe").Return(jdoe, nil)
		accounts.On("AcceptPendingUser", edrnTree, jdoe, staff).Return(nil)

		w := doJSON(setupHandlers(trees, accounts, staff), http.MethodPost, "/api/v1/trees/edrn/pending/jdoe/accept", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		accounts.AssertExpectations(t)
	})

	t.Run("Failed group update", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("GetPending", edrnTree, "jdoe").Return(jdoe, nil)
		accounts.On("AcceptPendingUser", edrnTree, jdoe, staff).
			Return(&service.GroupModificationError{UID: "jdoe", Group: "cn=All Users", Err: errors.New("no such object")})

		w := doJSON(setupHandlers(trees, accounts, staff), http.MethodPost, "/api/v1/trees/edrn/pending/jdoe/accept", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("Unknown pending user", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("GetPending", edrnTree, "ghost").Return(nil, service.ErrPendingNotFound)

		w := doJSON(setupHandlers(trees, accounts, staff), http.MethodPost, "/api/v1/trees/edrn/pending/ghost/reject", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		accounts.AssertNotCalled(t, "RejectPendingUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Reject notifies, discard does not", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("GetPending", edrnTree, "jdoe").Return(jdoe, nil)
		accounts.On("RejectPendingUser", edrnTree, jdoe, true, staff).Return(nil).Once()
		accounts.On("RejectPendingUser", edrnTree, jdoe, false, staff).Return(nil).Once()
		router := setupHandlers(trees, accounts, staff)

		assert.Equal(t, http.StatusOK, doJSON(router, http.MethodPost, "/api/v1/trees/edrn/pending/jdoe/reject", nil).Code)
		assert.Equal(t, http.StatusOK, doJSON(router, http.MethodDelete, "/api/v1/trees/edrn/pending/jdoe", nil).Code)
		accounts.AssertExpectations(t)
	})

	t.Run("Notifying without a staff member is forbidden", func(t *testing.T) {
		trees, accounts := new(MockTrees), new(MockAccounts)
		trees.On("GetTree", "edrn").Return(edrnTree, nil)
		accounts.On("GetPending", edrnTree, "jdoe").Return(jdoe, nil)
		accounts.On("RejectPendingUser", edrnTree, jdoe, true, (*service.Actor)(nil)).Return(service.ErrNoAdminContext)

		w := doJSON(setupHandlers(trees, accounts, nil), http.MethodPost, "/api/v1/trees/edrn/pending/jdoe/reject", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestHealthHandler(t *testing.T) {
	for name, tc := range map[string]struct {
		err    error
		status int
	}{
		"Database reachable":   {nil, http.StatusOK},
		"Database unreachable": {errors.New("closed"), http.StatusServiceUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			db := new(MockPinger)
			db.On("Ping").Return(tc.err)
			router := setupTestRouter()
			router.GET("/healthz", NewHealthHandler(db, zap.NewNop()).Health)

			w := doJSON(router, http.MethodGet, "/healthz", nil)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestClassify(t *testing.T) {
	t.Run("Wrapped errors keep their status", func(t *testing.T) {
		status, _ := classify(fmt.Errorf("outer: %w", service.ErrTreeNotFound))
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = classify(fmt.Errorf("outer: %w", &account.ExhaustedRetriesError{Base: "jdoe", Attempts: 3}))
		assert.Equal(t, http.StatusConflict, status)

		status, _ = classify(account.ErrEmptyAccountName)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("Concurrent changes are conflicts", func(t *testing.T) {
		status, body := classify(fmt.Errorf("failed to change password: %w", account.ErrStale))
		assert.Equal(t, http.StatusConflict, status)
		assert.Contains(t, body["error"], "try again")
	})
}

func TestAuthHandler(t *testing.T) {
	t.Run("Reports the caller", func(t *testing.T) {
		router := setupTestRouter()
		router.GET("/api/v1/auth/me", func(c *gin.Context) {
			c.Set("username", "kelly")
			c.Set("role", "admin")
		}, NewAuthHandler(zap.NewNop()).GetCurrentUser)

		w := doJSON(router, http.MethodGet, "/api/v1/auth/me", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"username":"kelly","email":"","role":"admin"}`, w.Body.String())
	})
}
