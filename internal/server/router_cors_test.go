package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPreflightAllowsDeviceHeaderOnBothSurfaces(testContext *testing.T) {
	testCases := []struct {
		name    string
		handler func(*testing.T) http.Handler
		path    string
	}{
		{
			name:    "backend events",
			handler: newBackendTestHandler,
			path:    "/lots/L1/vehicle-events",
		},
		{
			name: "agent entries",
			handler: func(t *testing.T) http.Handler {
				return newAgentFixture(t).handler
			},
			path: "/lots/L1/entries",
		},
		{
			name: "agent conflict resolution",
			handler: func(t *testing.T) http.Handler {
				return newAgentFixture(t).handler
			},
			path: "/lots/L1/conflicts/ABC123/resolve",
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			handler := testCase.handler(t)

			request := httptest.NewRequest(http.MethodOptions, testCase.path, http.NoBody)
			request.Header.Set("Origin", "http://localhost:5173")
			request.Header.Set("Access-Control-Request-Method", http.MethodPost)
			request.Header.Set("Access-Control-Request-Headers", "Content-Type, X-Device-ID")
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)

			if recorder.Code != http.StatusNoContent {
				t.Fatalf("expected preflight status %d, got %d", http.StatusNoContent, recorder.Code)
			}
			allowHeaders := strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers"))
			if !strings.Contains(allowHeaders, "x-device-id") || !strings.Contains(allowHeaders, "content-type") {
				t.Fatalf("expected device and content headers to be allowed, got %q", allowHeaders)
			}
			if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
				t.Fatalf("expected any origin to be allowed, got %q", origin)
			}
		})
	}
}

func TestCrossOriginResponsesCarryAllowOrigin(testContext *testing.T) {
	fixture := newAgentFixture(testContext)

	request := httptest.NewRequest(http.MethodGet, "/lots/L1/active", http.NoBody)
	request.Header.Set("Origin", "http://localhost:5173")
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		testContext.Fatalf("expected Access-Control-Allow-Origin *, got %q", origin)
	}
}
