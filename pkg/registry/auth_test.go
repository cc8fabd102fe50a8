// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

func openRemote(t *testing.T, uri string) *Registry {
	t.Helper()
	r, err := New(context.Background(), Config{URI: uri, TmpDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New(%s): %v", uri, err)
	}
	return r
}

// authServer is a registry that hands out tokens from /auth and serves a
// single manifest to bearers of that token.
type authServer struct {
	*httptest.Server
	manifest []byte
	query    atomic.Value // url.Values of the last token request
	basic    atomic.Value // Authorization header of the last token request
}

func newAuthServer(t *testing.T, challenge func(base string) string) *authServer {
	t.Helper()
	s := &authServer{manifest: []byte(`{"schemaVersion":2}`)}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		s.query.Store(r.URL.Query())
		s.basic.Store(r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Basic bad" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"details":"incorrect username or password"}`))
			return
		}
		w.Write([]byte(`{"access_token":"tok123"}`))
	})
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok123" {
			w.Header().Set("WWW-Authenticate", challenge(s.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write(s.manifest)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestGetToken(t *testing.T) {
	srv := newAuthServer(t, func(base string) string {
		return `Bearer realm="` + base + `/auth?ignored=1",service="registry.test"`
	})
	ctx := context.Background()
	r := openRemote(t, srv.URL)

	d := digest.FromBytes(srv.manifest)
	if _, _, err := r.LoadBlob(ctx, "org/app", true, d.String(), nil); !ocierr.Is(err, ocierr.NotAuthorized) {
		t.Fatalf("LoadBlob without token = %v, want NotAuthorized", err)
	}

	tok, err := r.GetToken(ctx, "org/app", "latest", "Basic dXNlcjpwYXNz")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "tok123" {
		t.Fatalf("token = %q, want tok123", tok)
	}
	want := url.Values{"service": {"registry.test"}, "scope": {"repository:org/app:pull"}}
	if diff := cmp.Diff(want, srv.query.Load().(url.Values)); diff != "" {
		t.Fatalf("token request query (-want +got):\n%s", diff)
	}
	if got := srv.basic.Load().(string); got != "Basic dXNlcjpwYXNz" {
		t.Fatalf("token request Authorization = %q", got)
	}

	r.SetToken(tok)
	b, _, err := r.LoadBlob(ctx, "org/app", true, d.String(), nil)
	if err != nil {
		t.Fatalf("LoadBlob with token: %v", err)
	}
	if string(b) != string(srv.manifest) {
		t.Fatalf("LoadBlob = %s", b)
	}
}

func TestGetTokenScopeFromChallenge(t *testing.T) {
	srv := newAuthServer(t, func(base string) string {
		return `Bearer realm="` + base + `/auth",scope="repository:other:pull,push"`
	})
	r := openRemote(t, srv.URL)
	if _, err := r.GetToken(context.Background(), "org/app", "latest", ""); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	q := srv.query.Load().(url.Values)
	if got := q.Get("scope"); got != "repository:other:pull,push" {
		t.Fatalf("scope = %q", got)
	}
	if q.Has("service") {
		t.Fatalf("service sent without one in the challenge: %v", q)
	}
	if got := srv.basic.Load().(string); got != "" {
		t.Fatalf("Authorization sent without credentials: %q", got)
	}
}

func TestGetTokenRealmUnauthorized(t *testing.T) {
	srv := newAuthServer(t, func(base string) string {
		return `Bearer realm="` + base + `/auth"`
	})
	r := openRemote(t, srv.URL)
	_, err := r.GetToken(context.Background(), "app", "latest", "Basic bad")
	if !ocierr.Is(err, ocierr.NotAuthorized) {
		t.Fatalf("GetToken = %v, want NotAuthorized", err)
	}
	if !strings.Contains(err.Error(), "incorrect username or password") {
		t.Fatalf("GetToken error %q lacks the server detail", err)
	}
}

func TestGetTokenChallengeErrors(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		want      string
	}{
		{"basic", `Basic realm="x"`, "Only Bearer authentication supported"},
		{"no realm", `Bearer service="x"`, "No realm in authentication request"},
		{"bad realm", `Bearer realm="ftp://x/auth"`, "Invalid realm in authentication request"},
		{"missing", "", "No WWW-Authenticate header from repo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newAuthServer(t, func(string) string { return tt.challenge })
			r := openRemote(t, srv.URL)
			_, err := r.GetToken(context.Background(), "app", "latest", "")
			if !ocierr.Is(err, ocierr.Failure) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("GetToken = %v, want Failure %q", err, tt.want)
			}
		})
	}
}

func TestGetTokenAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("unexpected %s %s", r.Method, r.URL)
		}
	}))
	defer srv.Close()
	tok, err := openRemote(t, srv.URL).GetToken(context.Background(), "app", "latest", "")
	if err != nil || tok != "" {
		t.Fatalf("GetToken = %q, %v; want empty", tok, err)
	}
}

func TestGetTokenUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()
	_, err := openRemote(t, srv.URL).GetToken(context.Background(), "app", "latest", "")
	if !ocierr.Is(err, ocierr.Failure) || !strings.Contains(err.Error(), "418") {
		t.Fatalf("GetToken = %v, want Failure with status", err)
	}
}

func TestGetTokenLocal(t *testing.T) {
	r := openLocal(t, t.TempDir(), true)
	tok, err := r.GetToken(context.Background(), "app", digest.FromString("m").String(), "")
	if err != nil || tok != "" {
		t.Fatalf("GetToken = %q, %v; want empty", tok, err)
	}
}

func TestBearerChallenge(t *testing.T) {
	hdr := http.Header{}
	hdr.Add("WWW-Authenticate", `Basic realm="basic"`)
	hdr.Add("WWW-Authenticate", `Bearer Realm="https://auth.example.com/token",service=registry.example.com, scope="repository:a/b:pull,push"`)
	got, err := bearerChallenge(hdr)
	if err != nil {
		t.Fatalf("bearerChallenge error: %v", err)
	}
	want := map[string]string{
		"realm":   "https://auth.example.com/token",
		"service": "registry.example.com",
		"scope":   "repository:a/b:pull,push",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("bearerChallenge (-want +got):\n%s", diff)
	}

	only := http.Header{"Www-Authenticate": {`Basic realm="x"`}}
	if _, err := bearerChallenge(only); err == nil || !strings.Contains(err.Error(), "Only Bearer") {
		t.Fatalf("bearerChallenge(basic) = %v", err)
	}
}

func TestErrorDetail(t *testing.T) {
	tests := []struct {
		body string
		want string
		ok   bool
	}{
		{`{"details":"d","message":"m"}`, "d", true},
		{`{"message":"m","error":"e"}`, "m", true},
		{`{"error":"e"}`, "e", true},
		{`{"errors":[{"code":"X"},{"code":"MANIFEST_UNKNOWN","message":"manifest unknown"}]}`, "manifest unknown", true},
		{`{"errors":[]}`, "", false},
		{`<html>oops</html>`, "", false},
		{`["message"]`, "", false},
	}
	for _, tt := range tests {
		got, ok := errorDetail([]byte(tt.body))
		if got != tt.want || ok != tt.ok {
			t.Errorf("errorDetail(%s) = %q, %v; want %q, %v", tt.body, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   ocierr.Kind
	}{
		{http.StatusUnauthorized, ocierr.NotAuthorized},
		{http.StatusForbidden, ocierr.NotFound},
		{http.StatusNotFound, ocierr.NotFound},
		{http.StatusGone, ocierr.NotFound},
		{http.StatusInternalServerError, ocierr.Failure},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"errors":[{"code":"DENIED","message":"go away"}]}`))
		}))
		_, _, err := openRemote(t, srv.URL).LoadBlob(context.Background(), "app", false, digest.FromString("b").String(), nil)
		srv.Close()
		if !ocierr.Is(err, tt.kind) {
			t.Errorf("status %d: err = %v, want kind %v", tt.status, err, tt.kind)
			continue
		}
		var he *HTTPError
		if !errors.As(err, &he) || he.StatusCode != tt.status || he.Detail != "go away" {
			t.Errorf("status %d: err = %#v, want HTTPError with detail", tt.status, err)
		}
	}
}

func TestLoadBlobRemoteTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := bytes.Repeat([]byte{' '}, 64*1024)
		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	_, _, err := openRemote(t, srv.URL).LoadBlob(context.Background(), "app", true, "latest", nil)
	if !ocierr.Is(err, ocierr.InvalidData) || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("LoadBlob = %v, want InvalidData for an oversize body", err)
	}
}
