package site

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeCloud serves the three Parse endpoints used by APIClient.
func fakeCloud(t *testing.T, sites []string, siteDoc string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /parse/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Parse-Application-Id") != DefaultAppID {
			http.Error(w, "missing app id", http.StatusBadRequest)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "user@example.com" || body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":101,"error":"Invalid username/password."}`))
			return
		}
		_, _ = w.Write([]byte(`{"sessionToken":"r:token"}`))
	})
	mux.HandleFunc("POST /parse/functions/getSiteList", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Parse-Session-Token") != "r:token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		type entry struct {
			Site map[string]string `json:"site"`
		}
		var result []entry
		for i, title := range sites {
			result = append(result, entry{Site: map[string]string{"title": title, "siteId": "id-" + string(rune('a'+i))}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	})
	mux.HandleFunc("POST /parse/functions/getSiteById", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["siteId"] == "" {
			http.Error(w, "no site id", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"result":[` + siteDoc + `]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testClient(srv *httptest.Server, user, pass, siteName string) *APIClient {
	c := NewAPIClient(user, pass, siteName, 0)
	c.BaseURL = srv.URL + "/parse/"
	c.HTTP = srv.Client()
	return c
}

func TestAPIClientFetchSiteJSON(t *testing.T) {
	doc := string(loadFixture(t))
	srv := fakeCloud(t, []string{"Cabin", "Home"}, doc)
	c := testClient(srv, "user@example.com", "secret", "Home")

	raw, err := c.FetchSiteJSON(context.Background())
	if err != nil {
		t.Fatalf("FetchSiteJSON() error = %v", err)
	}
	s, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if s.Name != "Home" {
		t.Errorf("site name = %q, want Home", s.Name)
	}
}

func TestAPIClientSelectSite(t *testing.T) {
	srv := fakeCloud(t, []string{"Cabin", "Home"}, "{}")
	tests := []struct {
		name     string
		siteName string
		want     string
	}{
		{"first when unset", "", "id-a"},
		{"by title", "Home", "id-b"},
		{"first when not found", "Office", "id-a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(srv, "user@example.com", "secret", tt.siteName)
			got, err := c.selectSite(context.Background(), "r:token")
			if err != nil {
				t.Fatalf("selectSite() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("selectSite() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIClientIncorrectCredentials(t *testing.T) {
	srv := fakeCloud(t, []string{"Home"}, "{}")
	c := testClient(srv, "user@example.com", "wrong", "")
	if _, err := c.FetchSiteJSON(context.Background()); !errors.Is(err, ErrIncorrectCredentials) {
		t.Errorf("FetchSiteJSON() error = %v, want ErrIncorrectCredentials", err)
	}
}

func TestAPIClientNoSites(t *testing.T) {
	srv := fakeCloud(t, nil, "{}")
	c := testClient(srv, "user@example.com", "secret", "")
	if _, err := c.FetchSiteJSON(context.Background()); !errors.Is(err, ErrNoSites) {
		t.Errorf("FetchSiteJSON() error = %v, want ErrNoSites", err)
	}
}

func TestAPIClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := testClient(srv, "u", "p", "")
	_, err := c.FetchSiteJSON(context.Background())
	if err == nil || errors.Is(err, ErrIncorrectCredentials) {
		t.Errorf("FetchSiteJSON() error = %v, want a retryable error", err)
	}
}

func TestAPIClientGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()
	c := testClient(srv, "u", "p", "")
	if _, err := c.FetchSiteJSON(context.Background()); !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("FetchSiteJSON() error = %v, want ErrUnexpectedResponse", err)
	}
}
