package storage

import (
	"testing"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
)

func TestIsLoopbackHost(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.53", true},
		{"::1", true},
		{"localhost", true},
		{"LOCALHOST", true},
		{"example.com", false},
		{"10.0.0.1", false},
		{"192.168.1.1", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsLoopbackHost(tc.host), "host %q", tc.host)
	}
}

func TestLoopbackClientMatchRedirectURI(t *testing.T) {
	client := NewLoopbackClient(&fosite.DefaultClient{
		ID: "native-app",
		RedirectURIs: []string{
			"http://127.0.0.1:8080/callback",
			"http://localhost/cb",
			"https://app.example.com/callback",
		},
	})

	cases := []struct {
		name string
		uri  string
		want bool
	}{
		{"exact match", "http://127.0.0.1:8080/callback", true},
		{"different loopback port", "http://127.0.0.1:53127/callback", true},
		{"localhost any port", "http://localhost:9999/cb", true},
		{"localhost case insensitive", "http://LOCALHOST:9999/cb", true},
		{"exact https match", "https://app.example.com/callback", true},
		{"https port flexibility denied", "https://app.example.com:444/callback", false},
		{"loopback host mismatch", "http://localhost:8080/callback", false},
		{"path mismatch", "http://127.0.0.1:8080/other", false},
		{"query mismatch", "http://127.0.0.1:8080/callback?x=1", false},
		{"non-loopback http", "http://evil.example.com:8080/callback", false},
		{"unregistered", "http://127.0.0.1:8080/evil", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, client.MatchRedirectURI(tc.uri))
		})
	}
}
