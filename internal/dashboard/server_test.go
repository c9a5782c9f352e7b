package dashboard

import (
	"testing"

	appconfig "orderflow/config"
	"orderflow/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "0.0.0.0:8080"},
		{"bare port with spaces", "  :9090  ", "0.0.0.0:9090"},
		{"bare hostname", "localhost", "localhost:8080"},
		{"full ipv4", "0.0.0.0:80", "0.0.0.0:80"},
		{"full ipv6", "[::1]:443", "[::1]:443"},
		{"bare ipv6", "::1", "[::1]:8080"},
		{"wildcard host", "*:8080", "0.0.0.0:8080"},
		{"http url", "http://13.200.112.203:8080", "13.200.112.203:8080"},
		{"https url without port", "https://13.200.112.203", "13.200.112.203:8080"},
		{"url with bare port", "http://:7070", "0.0.0.0:7070"},
		{"tcp url", "tcp://localhost:5050", "localhost:5050"},
		{"url with trailing slash", "https://dashboard.example.com/", "dashboard.example.com:8080"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeAddress(tc.input); got != tc.want {
				t.Fatalf("normalizeAddress(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	srv, err := NewServer(appconfig.DashboardConfig{Enabled: true, Address: ":9000"}, logger.Logger(), Deps{})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	t.Cleanup(srv.cleanup)

	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
}

func TestNewServerDisabledReturnsNil(t *testing.T) {
	srv, err := NewServer(appconfig.DashboardConfig{Enabled: false}, logger.Logger(), Deps{})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv != nil {
		t.Fatal("disabled dashboard should return a nil server")
	}

	// Nil servers are inert: accessors and Run are safe to call.
	if srv.Address() != "" {
		t.Fatal("nil server should report an empty address")
	}
}
