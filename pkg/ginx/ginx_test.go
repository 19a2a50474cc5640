package ginx_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/hostagent/pkg/apierror"
	"github.com/jimyag/hostagent/pkg/ginx"
)

type jobArgs struct {
	ID     string `uri:"id" json:"-"`
	Domain string `form:"domain" json:"domain"`
	Limit  int    `form:"limit" json:"limit"`
}

type eventArgs struct {
	Event string `json:"event" binding:"required"`
}

func (a *eventArgs) IsValid() error {
	if strings.ContainsAny(a.Event, " \t") {
		return apierror.Errorf(apierror.ErrInvalidParameter, "event must be a single word")
	}
	return nil
}

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ginx.RequestID())
	r.GET("/jobs/:id", ginx.Adapt5(func(c *gin.Context, args *jobArgs) (*jobArgs, error) {
		if args.ID == "missing" {
			return nil, apierror.Errorf(apierror.ErrMergeJobNotFound, "merge job %s not found", args.ID)
		}
		return args, nil
	}))
	r.POST("/events", ginx.Adapt5(func(c *gin.Context, args *eventArgs) (map[string]string, error) {
		return map[string]string{"event": args.Event}, nil
	}))
	r.DELETE("/events/:id", ginx.Adapt4(func(c *gin.Context, args *jobArgs) error {
		return nil
	}))
	r.GET("/health", ginx.Adapt2(func(c *gin.Context) string { return "ok" }))
	r.GET("/boom", ginx.Adapt3(func(c *gin.Context) (*jobArgs, error) {
		return nil, fmt.Errorf("load: %w", apierror.Errorf(apierror.ErrResourceUnavailable, "pool offline"))
	}))
	r.GET("/plain", ginx.Adapt3(func(c *gin.Context) (*jobArgs, error) {
		return nil, errors.New("disk full")
	}))
	return r
}

func do(r *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdapt(t *testing.T) {
	t.Parallel()

	r := setupTestRouter(t)

	testcases := []struct {
		name     string
		method   string
		path     string
		body     string
		status   int
		contains string
	}{
		{name: "uri and query", method: http.MethodGet, path: "/jobs/merge-1?domain=vm-a&limit=5", status: http.StatusOK, contains: `"domain":"vm-a","limit":5`},
		{name: "api error status", method: http.MethodGet, path: "/jobs/missing", status: http.StatusNotFound, contains: `"code":"MergeJobNotFound"`},
		{name: "bad query type", method: http.MethodGet, path: "/jobs/x?limit=many", status: http.StatusBadRequest, contains: `"code":"InvalidParameter"`},
		{name: "json body", method: http.MethodPost, path: "/events", body: `{"event":"Enable"}`, status: http.StatusOK, contains: `"event":"Enable"`},
		{name: "required field", method: http.MethodPost, path: "/events", body: `{}`, status: http.StatusBadRequest},
		{name: "empty body", method: http.MethodPost, path: "/events", status: http.StatusBadRequest},
		{name: "is valid", method: http.MethodPost, path: "/events", body: `{"event":"two words"}`, status: http.StatusBadRequest, contains: "single word"},
		{name: "no content", method: http.MethodDelete, path: "/events/1", status: http.StatusNoContent},
		{name: "string response", method: http.MethodGet, path: "/health", status: http.StatusOK, contains: "ok"},
		{name: "wrapped api error", method: http.MethodGet, path: "/boom", status: http.StatusServiceUnavailable, contains: "pool offline"},
		{name: "plain error", method: http.MethodGet, path: "/plain", status: http.StatusInternalServerError, contains: `"code":"InternalError"`},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := do(r, tc.method, tc.path, tc.body, nil)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			if tc.contains != "" {
				assert.Contains(t, w.Body.String(), tc.contains)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	r := setupTestRouter(t)

	w := do(r, http.MethodGet, "/jobs/missing", "", map[string]string{ginx.RequestIDHeader: "req-42"})
	assert.Equal(t, "req-42", w.Header().Get(ginx.RequestIDHeader))
	var resp apierror.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-42", resp.RequestID)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "MergeJobNotFound", resp.Errors[0].Code)

	w = do(r, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get(ginx.RequestIDHeader))
}
