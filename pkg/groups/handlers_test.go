package groups

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/grantline/pkg/contextkeys"
)

type stubTokens struct {
	err error
}

func (s stubTokens) SignToken(userID int64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("token-%d", userID), nil
}

func newTestRouter(t *testing.T, tokens TokenIssuer) (*mux.Router, sqlmock.Sqlmock, *fakeEngine) {
	t.Helper()
	svc, mock, engine := newTestService(t)
	router := mux.NewRouter()
	h := NewHandlers(svc, tokens)
	h.RegisterPublicRoutes(router)
	h.RegisterRoutes(router)
	return router, mock, engine
}

func doRequest(router http.Handler, method, path string, body interface{}, userID *int64) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != nil {
		req = req.WithContext(contextkeys.WithUserID(req.Context(), *userID))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_Register(t *testing.T) {
	t.Run("returns user and token", func(t *testing.T) {
		router, mock, _ := newTestRouter(t, stubTokens{})
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO users`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(5, time.Now()))
		mock.ExpectCommit()

		rec := doRequest(router, "POST", "/register", map[string]string{"username": "alice"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)

		var body struct {
			User  User   `json:"user"`
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, int64(5), body.User.ID)
		assert.Equal(t, "token-5", body.Token)
	})

	t.Run("without token issuer", func(t *testing.T) {
		router, mock, _ := newTestRouter(t, nil)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO users`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(5, time.Now()))
		mock.ExpectCommit()

		rec := doRequest(router, "POST", "/register", map[string]string{"username": "alice"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.NotContains(t, rec.Body.String(), "token")
	})

	t.Run("missing username", func(t *testing.T) {
		router, _, _ := newTestRouter(t, nil)
		rec := doRequest(router, "POST", "/register", map[string]string{"email": "a@b.c"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlers_CreateGroup(t *testing.T) {
	caller := int64(5)

	t.Run("requires identity", func(t *testing.T) {
		router, _, _ := newTestRouter(t, nil)
		rec := doRequest(router, "POST", "/groups", map[string]string{"name": "Team"}, nil)
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	})

	t.Run("created", func(t *testing.T) {
		router, mock, engine := newTestRouter(t, nil)
		now := time.Now()
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO groups`).
			WithArgs("Team", "", nil, caller).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))
		mock.ExpectExec(`INSERT INTO group_members`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		rec := doRequest(router, "POST", "/groups", map[string]string{"name": "Team"}, &caller)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Len(t, engine.applied, 1)
	})
}

func TestHandlers_Members(t *testing.T) {
	caller := int64(5)

	t.Run("add", func(t *testing.T) {
		router, mock, _ := newTestRouter(t, nil)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO group_members`).
			WithArgs(int64(7), int64(9), caller).
			WillReturnRows(sqlmock.NewRows([]string{"joined_at"}).AddRow(time.Now()))
		mock.ExpectCommit()

		rec := doRequest(router, "POST", "/groups/7/members", map[string]int64{"user_id": 9}, &caller)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("add duplicate", func(t *testing.T) {
		router, mock, _ := newTestRouter(t, nil)
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO group_members`).
			WillReturnRows(sqlmock.NewRows([]string{"joined_at"}))
		mock.ExpectRollback()

		rec := doRequest(router, "POST", "/groups/7/members", map[string]int64{"user_id": 9}, &caller)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("add invalid user", func(t *testing.T) {
		router, _, _ := newTestRouter(t, nil)
		rec := doRequest(router, "POST", "/groups/7/members", map[string]int64{"user_id": 0}, &caller)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("remove", func(t *testing.T) {
		router, mock, engine := newTestRouter(t, nil)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM group_members`).
			WithArgs(int64(7), int64(9)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		rec := doRequest(router, "DELETE", "/groups/7/members/9", nil, &caller)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Len(t, engine.revoked, 1)
	})

	t.Run("group id must be numeric", func(t *testing.T) {
		router, _, _ := newTestRouter(t, nil)
		rec := doRequest(router, "GET", "/groups/abc/members", nil, &caller)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlers_GetGroupNotFound(t *testing.T) {
	router, mock, _ := newTestRouter(t, nil)
	mock.ExpectQuery(`FROM groups WHERE id = \$1`).WillReturnRows(groupRows())

	rec := doRequest(router, "GET", "/groups/7", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
