package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func authedServer(t *testing.T, keys string) *httptest.Server {
	t.Helper()
	auth := NewAPIKeyAuth(keys)
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, headers map[string]string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestAPIKeyAuthDisabledWithoutKeys(t *testing.T) {
	srv := authedServer(t, "")
	if got := get(t, srv.URL+"/api/v1/runs", nil); got != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth disabled", got)
	}
}

func TestAPIKeyAuthRejectsMissingAndWrongKeys(t *testing.T) {
	srv := authedServer(t, "sk-one, sk-two")

	if got := get(t, srv.URL+"/api/v1/runs", nil); got != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", got)
	}
	if got := get(t, srv.URL+"/api/v1/runs", map[string]string{"X-API-Key": "sk-bogus"}); got != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", got)
	}
}

func TestAPIKeyAuthAcceptsBothHeaderForms(t *testing.T) {
	srv := authedServer(t, "sk-one,sk-two")

	if got := get(t, srv.URL+"/api/v1/runs", map[string]string{"Authorization": "Bearer sk-one"}); got != http.StatusOK {
		t.Errorf("bearer status = %d, want 200", got)
	}
	if got := get(t, srv.URL+"/api/v1/runs", map[string]string{"X-API-Key": "sk-two"}); got != http.StatusOK {
		t.Errorf("x-api-key status = %d, want 200", got)
	}
}

func TestAPIKeyAuthKeepsHealthPublic(t *testing.T) {
	srv := authedServer(t, "sk-one")
	if got := get(t, srv.URL+"/health", nil); got != http.StatusOK {
		t.Errorf("health status = %d, want 200 without a key", got)
	}
}
