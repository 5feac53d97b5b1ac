package fmc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/apinto/fmc-rule-cleanup/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient points a client at a TLS test server and pre-seeds the
// session so config calls work without a login round trip.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	c := NewClient(Options{
		Host:     strings.TrimPrefix(server.URL, "https://"),
		Username: "api-user",
		Password: "secret",
	}, testLogger())
	c.token = "test-token"
	c.domainUUID = "dom-1234"
	return c, server
}

const domainBase = "/api/fmc_config/v1/domain/dom-1234"

func TestLogin(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != authPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "api-user" || pass != "secret" {
			t.Errorf("basic auth = %q/%q ok=%v", user, pass, ok)
		}
		w.Header().Set(tokenHeader, "fresh-token")
		w.Header().Set(domainHeader, "dom-5678")
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, handler)

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if c.token != "fresh-token" || c.domainUUID != "dom-5678" {
		t.Errorf("session = %q/%q", c.token, c.domainUUID)
	}
}

func TestLoginMissingTokenHeader(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, handler)

	err := c.Login(context.Background())
	var ce *CallError
	if !errors.As(err, &ce) || ce.Class != ErrAuth {
		t.Errorf("expected auth error, got %v", err)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c, _ := newTestClient(t, handler)

	err := c.Login(context.Background())
	var ce *CallError
	if !errors.As(err, &ce) || ce.Class != ErrAuth {
		t.Errorf("expected auth error, got %v", err)
	}
	if Transient(err) {
		t.Error("auth failures must not be retried")
	}
}

func TestFindDevicePaginates(t *testing.T) {
	var tokens []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != domainBase+"/devices/devicerecords" {
			t.Errorf("path = %s", r.URL.Path)
		}
		tokens = append(tokens, r.Header.Get(tokenHeader))

		offset := r.URL.Query().Get("offset")
		var body string
		if offset == "0" {
			body = `{"items":[{"id":"dev-a","name":"other-fw","accessPolicy":{"id":"acp-a"}}],"paging":{"offset":0,"limit":1,"count":2}}`
		} else {
			body = `{"items":[{"id":"dev-b","name":"edge-fw-01","accessPolicy":{"id":"acp-b"}}],"paging":{"offset":1,"limit":1,"count":2}}`
		}
		fmt.Fprint(w, body)
	})
	c, _ := newTestClient(t, handler)
	c.pageLimit = 1

	dev, err := c.FindDevice(context.Background(), "edge-fw-01")
	if err != nil {
		t.Fatalf("FindDevice failed: %v", err)
	}
	if dev.ID != "dev-b" || dev.AccessPolicyID != "acp-b" {
		t.Errorf("device = %+v", dev)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 paged requests, got %d", len(tokens))
	}
	for _, tok := range tokens {
		if tok != "test-token" {
			t.Errorf("request missing auth token, got %q", tok)
		}
	}
}

func TestFindDeviceNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[],"paging":{"offset":0,"limit":25,"count":0}}`)
	})
	c, _ := newTestClient(t, handler)

	_, err := c.FindDevice(context.Background(), "ghost-fw")
	if !IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestFindDeviceWithoutPolicy(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"id":"dev-a","name":"edge-fw-01"}],"paging":{"offset":0,"limit":25,"count":1}}`)
	})
	c, _ := newTestClient(t, handler)

	if _, err := c.FindDevice(context.Background(), "edge-fw-01"); !IsNotFound(err) {
		t.Errorf("device without policy should be not-found, got %v", err)
	}
}

func TestFetchHitCounts(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := domainBase + "/policy/accesspolicies/acp-1/operational/hitcounts"
		if r.URL.Path != wantPath {
			t.Errorf("path = %s, want %s", r.URL.Path, wantPath)
		}
		q := r.URL.Query()
		if q.Get("filter") != "deviceId:dev-1" {
			t.Errorf("filter = %q", q.Get("filter"))
		}
		if q.Get("expanded") != "true" {
			t.Errorf("expanded = %q", q.Get("expanded"))
		}
		fmt.Fprint(w, `{"items":[
			{"hitCount":0,"rule":{"id":"r1","name":"stale","type":"AccessRule"}},
			{"hitCount":99,"rule":{"id":"r2","name":"busy","type":"AccessRule"}},
			{"rule":{"id":"r3","name":"no-telemetry","type":"AccessRule"}}
		],"paging":{"offset":0,"limit":25,"count":3}}`)
	})
	c, _ := newTestClient(t, handler)

	entries, err := c.FetchHitCounts(context.Background(), "acp-1", "dev-1")
	if err != nil {
		t.Fatalf("FetchHitCounts failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].RuleID != "r1" || entries[0].HitCount != 0 || !entries[0].HasHit {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[1].HitCount != 99 || !entries[1].HasHit {
		t.Errorf("entry[1] = %+v", entries[1])
	}
	if entries[2].HasHit {
		t.Errorf("row without hitCount must not read as zero-hit: %+v", entries[2])
	}
}

func TestFetchRule(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id":"r1","name":"legacy-allow","enabled":true,"action":"ALLOW",
			"sourceZones":{"objects":[{"name":"DMZ"}]},
			"destinationZones":{"objects":[{"name":"OUTSIDE"}]},
			"sourceNetworks":{
				"literals":[{"type":"Network","value":"10.1.0.0/16"}],
				"objects":[{"id":"grp-1","type":"NetworkGroup","name":"mgmt-nets"}]
			},
			"destinationNetworks":{},
			"commentHistoryList":[
				{"date":"2020-04-02T10:00:00Z","comment":"initial deploy"},
				{"date":"2023-01-01T10:00:00Z","comment":"reviewed"}
			]
		}`)
	})
	c, _ := newTestClient(t, handler)

	rule, err := c.FetchRule(context.Background(), "acp-1", "r1")
	if err != nil {
		t.Fatalf("FetchRule failed: %v", err)
	}
	if rule.Name != "legacy-allow" || !rule.Enabled || rule.Action != model.ActionAllow {
		t.Errorf("rule = %+v", rule)
	}
	if len(rule.SrcZones) != 1 || rule.SrcZones[0].Name != "DMZ" {
		t.Errorf("src zones = %+v", rule.SrcZones)
	}
	if len(rule.SrcNetworks) != 2 {
		t.Fatalf("src networks = %+v", rule.SrcNetworks)
	}
	if rule.SrcNetworks[0].Literal != "10.1.0.0/16" {
		t.Errorf("literal ref = %+v", rule.SrcNetworks[0])
	}
	if rule.SrcNetworks[1].ObjectID != "grp-1" {
		t.Errorf("object ref = %+v", rule.SrcNetworks[1])
	}
	if !rule.HasComments || rule.FirstComment != "initial deploy" || rule.FirstCommentDate != "2020-04-02T10:00:00Z" {
		t.Errorf("comments = %q %q %v", rule.FirstComment, rule.FirstCommentDate, rule.HasComments)
	}
	if rule.CreationYear() != 2020 {
		t.Errorf("creation year = %d", rule.CreationYear())
	}
}

func TestFetchObjectPaths(t *testing.T) {
	tests := []struct {
		objType  string
		wantKind string
	}{
		{"NetworkGroup", "networkgroups"},
		{"Host", "hosts"},
		{"Range", "ranges"},
		{"FQDN", "fqdns"},
		{"Network", "networks"},
		{"", "networks"},
	}
	for _, tt := range tests {
		t.Run(tt.objType+"_"+tt.wantKind, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				wantPath := domainBase + "/object/" + tt.wantKind + "/obj-1"
				if r.URL.Path != wantPath {
					t.Errorf("path = %s, want %s", r.URL.Path, wantPath)
				}
				fmt.Fprint(w, `{"id":"obj-1","name":"thing","type":"`+tt.objType+`","value":"10.0.0.1"}`)
			})
			c, _ := newTestClient(t, handler)

			obj, err := c.FetchObject(context.Background(), model.NetworkRef{ObjectID: "obj-1", Type: tt.objType})
			if err != nil {
				t.Fatalf("FetchObject failed: %v", err)
			}
			if obj.Value != "10.0.0.1" {
				t.Errorf("object = %+v", obj)
			}
		})
	}
}

func TestFetchObjectGroup(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id":"grp-1","name":"mgmt-nets","type":"NetworkGroup",
			"literals":[{"type":"Network","value":"10.2.0.0/16"}],
			"objects":[{"id":"net-9","type":"Network","name":"lab-net"}]
		}`)
	})
	c, _ := newTestClient(t, handler)

	obj, err := c.FetchObject(context.Background(), model.NetworkRef{ObjectID: "grp-1", Type: "NetworkGroup"})
	if err != nil {
		t.Fatalf("FetchObject failed: %v", err)
	}
	if len(obj.Literals) != 1 || obj.Literals[0] != "10.2.0.0/16" {
		t.Errorf("literals = %v", obj.Literals)
	}
	if len(obj.Children) != 1 || obj.Children[0].ObjectID != "net-9" {
		t.Errorf("children = %+v", obj.Children)
	}
}

func TestDisableRule(t *testing.T) {
	var putBody map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{
				"id":"r1","name":"legacy-allow","enabled":true,"action":"ALLOW",
				"metadata":{"readOnly":{"state":false}},
				"links":{"self":"https://fmc/r1"},
				"commentHistoryList":[{"date":"2020-01-01","comment":"old"}]
			}`)
		case http.MethodPut:
			if err := json.NewDecoder(r.Body).Decode(&putBody); err != nil {
				t.Errorf("decode PUT body: %v", err)
			}
			fmt.Fprint(w, `{}`)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})
	c, _ := newTestClient(t, handler)

	err := c.DisableRule(context.Background(), "acp-1", "r1", model.DisableSentinel+" 2026-08-24 - stale")
	if err != nil {
		t.Fatalf("DisableRule failed: %v", err)
	}
	if putBody == nil {
		t.Fatal("no PUT received")
	}
	if enabled, ok := putBody["enabled"].(bool); !ok || enabled {
		t.Errorf("enabled = %v", putBody["enabled"])
	}
	comments, ok := putBody["newComments"].([]any)
	if !ok || len(comments) != 1 || !strings.Contains(comments[0].(string), model.DisableSentinel) {
		t.Errorf("newComments = %v", putBody["newComments"])
	}
	for _, field := range []string{"metadata", "links", "commentHistoryList"} {
		if _, present := putBody[field]; present {
			t.Errorf("read-only field %q must be stripped from the update", field)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantClass ErrorClass
		transient bool
	}{
		{http.StatusTooManyRequests, ErrRateLimited, true},
		{http.StatusUnauthorized, ErrAuth, false},
		{http.StatusForbidden, ErrPermission, false},
		{http.StatusNotFound, ErrNotFound, false},
		{http.StatusInternalServerError, ErrConnection, true},
		{http.StatusBadGateway, ErrConnection, true},
		{http.StatusBadRequest, ErrPermission, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			c, _ := newTestClient(t, handler)

			_, err := c.FetchRule(context.Background(), "acp-1", "r1")
			var ce *CallError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CallError, got %v", err)
			}
			if ce.Class != tt.wantClass {
				t.Errorf("class = %s, want %s", ce.Class, tt.wantClass)
			}
			if Transient(err) != tt.transient {
				t.Errorf("Transient = %v, want %v", Transient(err), tt.transient)
			}
		})
	}
}
