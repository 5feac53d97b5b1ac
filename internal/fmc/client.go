// Package fmc implements the subset of the Firepower Management
// Center REST API this tool needs: token auth, device and hit-count
// queries, access-rule reads and the disable update.
package fmc

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/apinto/fmc-rule-cleanup/internal/model"
)

const (
	authPath   = "/api/fmc_platform/v1/auth/generatetoken"
	configBase = "/api/fmc_config/v1/domain/%s"

	tokenHeader  = "X-auth-access-token"
	domainHeader = "DOMAIN_UUID"
)

// FMC enforces roughly 120 requests per minute per token.
const requestsPerMinute = 110

type Options struct {
	Host      string
	Username  string
	Password  string
	Timeout   time.Duration
	PageLimit int
	// The FMC ships with a self-signed certificate; verification is
	// off unless a CA is installed.
	VerifyTLS bool
}

type Client struct {
	baseURL    string
	username   string
	password   string
	pageLimit  int
	httpc      *http.Client
	limiter    *rate.Limiter
	token      string
	domainUUID string
	log        *slog.Logger
}

func NewClient(opts Options, log *slog.Logger) *Client {
	if opts.PageLimit <= 0 {
		opts.PageLimit = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !opts.VerifyTLS}
	return &Client{
		baseURL:   "https://" + opts.Host,
		username:  opts.Username,
		password:  opts.Password,
		pageLimit: opts.PageLimit,
		httpc: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 5),
		log:     log,
	}
}

// Login obtains an auth token and the domain UUID. Must be called
// before any other method.
func (c *Client) Login(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+authPath, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return classifyTransport("login", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return classifyStatus("login", resp.StatusCode)
	}
	c.token = resp.Header.Get(tokenHeader)
	c.domainUUID = resp.Header.Get(domainHeader)
	if c.token == "" || c.domainUUID == "" {
		return &CallError{Class: ErrAuth, Op: "login", Err: fmt.Errorf("token or domain UUID missing from response")}
	}
	c.log.Debug("authenticated to FMC", "host", c.baseURL, "domain", c.domainUUID)
	return nil
}

// Device is the slice of a device record the run needs.
type Device struct {
	ID             string
	Name           string
	AccessPolicyID string
}

type deviceRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	AccessPolicy struct {
		ID string `json:"id"`
	} `json:"accessPolicy"`
}

// FindDevice locates a managed device by name and returns it together
// with its assigned access policy.
func (c *Client) FindDevice(ctx context.Context, name string) (*Device, error) {
	records, err := collectPages[deviceRecord](ctx, c, c.configPath("/devices/devicerecords"), url.Values{"expanded": {"true"}})
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Name != name {
			continue
		}
		if rec.AccessPolicy.ID == "" {
			return nil, &CallError{Class: ErrNotFound, Op: "devicerecords", Err: fmt.Errorf("device %q has no access policy", name)}
		}
		return &Device{ID: rec.ID, Name: rec.Name, AccessPolicyID: rec.AccessPolicy.ID}, nil
	}
	return nil, &CallError{Class: ErrNotFound, Op: "devicerecords", Err: fmt.Errorf("device %q not found", name)}
}

// HitEntry is one row of hit-count telemetry. HasHit is false when the
// FMC returned the row without a hitCount field; such rules must not
// be treated as zero-hit.
type HitEntry struct {
	RuleID   string
	RuleName string
	RuleType string
	HitCount int64
	HasHit   bool
}

type hitCountItem struct {
	// Pointer so an absent hitCount field is distinguishable from 0.
	HitCount *int64 `json:"hitCount"`
	Rule     struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"rule"`
}

// FetchHitCounts returns the hit-count snapshot for every rule of the
// access policy as deployed on the device, in policy order.
func (c *Client) FetchHitCounts(ctx context.Context, acpID, deviceID string) ([]HitEntry, error) {
	path := c.configPath("/policy/accesspolicies/" + acpID + "/operational/hitcounts")
	query := url.Values{
		"filter":   {`deviceId:` + deviceID},
		"expanded": {"true"},
	}
	items, err := collectPages[hitCountItem](ctx, c, path, query)
	if err != nil {
		return nil, err
	}
	entries := make([]HitEntry, 0, len(items))
	for _, item := range items {
		entry := HitEntry{
			RuleID:   item.Rule.ID,
			RuleName: item.Rule.Name,
			RuleType: item.Rule.Type,
		}
		if item.HitCount != nil {
			entry.HitCount = *item.HitCount
			entry.HasHit = true
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type zoneObject struct {
	Name string `json:"name"`
}

type zoneSet struct {
	Objects []zoneObject `json:"objects"`
}

type networkLiteral struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type networkObjectRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

type networkSet struct {
	Literals []networkLiteral   `json:"literals"`
	Objects  []networkObjectRef `json:"objects"`
}

type commentEntry struct {
	Date    string `json:"date"`
	Comment string `json:"comment"`
}

type accessRule struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Enabled             bool           `json:"enabled"`
	Action              string         `json:"action"`
	SourceZones         zoneSet        `json:"sourceZones"`
	DestinationZones    zoneSet        `json:"destinationZones"`
	SourceNetworks      networkSet     `json:"sourceNetworks"`
	DestinationNetworks networkSet     `json:"destinationNetworks"`
	CommentHistoryList  []commentEntry `json:"commentHistoryList"`
}

// FetchRule reads the full detail of one access rule.
func (c *Client) FetchRule(ctx context.Context, acpID, ruleID string) (*model.Rule, error) {
	var raw accessRule
	if err := c.get(ctx, c.rulePath(acpID, ruleID), nil, &raw); err != nil {
		return nil, err
	}

	rule := &model.Rule{
		ID:          raw.ID,
		Name:        raw.Name,
		Enabled:     raw.Enabled,
		Action:      model.Action(raw.Action),
		SrcZones:    toZoneRefs(raw.SourceZones),
		DstZones:    toZoneRefs(raw.DestinationZones),
		SrcNetworks: toNetworkRefs(raw.SourceNetworks),
		DstNetworks: toNetworkRefs(raw.DestinationNetworks),
	}
	if len(raw.CommentHistoryList) > 0 {
		rule.HasComments = true
		rule.FirstComment = raw.CommentHistoryList[0].Comment
		rule.FirstCommentDate = raw.CommentHistoryList[0].Date
	}
	return rule, nil
}

func toZoneRefs(zs zoneSet) []model.ZoneRef {
	refs := make([]model.ZoneRef, 0, len(zs.Objects))
	for _, z := range zs.Objects {
		refs = append(refs, model.ZoneRef{Name: z.Name})
	}
	return refs
}

func toNetworkRefs(ns networkSet) []model.NetworkRef {
	var refs []model.NetworkRef
	for _, lit := range ns.Literals {
		refs = append(refs, model.NetworkRef{Literal: lit.Value, Type: lit.Type})
	}
	for _, obj := range ns.Objects {
		refs = append(refs, model.NetworkRef{ObjectID: obj.ID, Type: obj.Type, Name: obj.Name})
	}
	return refs
}

type rawObject struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Type     string             `json:"type"`
	Value    string             `json:"value"`
	Literals []networkLiteral   `json:"literals"`
	Objects  []networkObjectRef `json:"objects"`
}

// FetchObject reads a network object or group by ID.
func (c *Client) FetchObject(ctx context.Context, ref model.NetworkRef) (*model.NetworkObject, error) {
	var raw rawObject
	if err := c.get(ctx, c.objectPath(ref.Type, ref.ObjectID), nil, &raw); err != nil {
		return nil, err
	}
	obj := &model.NetworkObject{
		ID:    raw.ID,
		Name:  raw.Name,
		Type:  raw.Type,
		Value: raw.Value,
	}
	for _, lit := range raw.Literals {
		obj.Literals = append(obj.Literals, lit.Value)
	}
	for _, child := range raw.Objects {
		obj.Children = append(obj.Children, model.NetworkRef{ObjectID: child.ID, Type: child.Type, Name: child.Name})
	}
	return obj, nil
}

// DisableRule sets enabled=false on the rule and appends the audit
// comment. The rule is re-read immediately before the update so the
// PUT carries the FMC's current view of the object.
func (c *Client) DisableRule(ctx context.Context, acpID, ruleID, comment string) error {
	var raw map[string]any
	path := c.rulePath(acpID, ruleID)
	if err := c.get(ctx, path, nil, &raw); err != nil {
		return err
	}

	// Read-only fields are rejected on update.
	delete(raw, "metadata")
	delete(raw, "links")
	delete(raw, "commentHistoryList")
	raw["enabled"] = false
	raw["newComments"] = []string{comment}

	body, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal rule update: %w", err)
	}
	return c.put(ctx, path, body)
}

func (c *Client) configPath(suffix string) string {
	return fmt.Sprintf(configBase, c.domainUUID) + suffix
}

func (c *Client) rulePath(acpID, ruleID string) string {
	return c.configPath("/policy/accesspolicies/" + acpID + "/accessrules/" + ruleID)
}

func (c *Client) objectPath(objType, id string) string {
	var kind string
	switch strings.ToLower(objType) {
	case "networkgroup":
		kind = "networkgroups"
	case "host":
		kind = "hosts"
	case "range":
		kind = "ranges"
	case "fqdn":
		kind = "fqdns"
	default:
		kind = "networks"
	}
	return c.configPath("/object/" + kind + "/" + id)
}

type paging struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Count  int `json:"count"`
}

type page[T any] struct {
	Items  []T    `json:"items"`
	Paging paging `json:"paging"`
}

// collectPages walks an offset/limit paginated listing to exhaustion.
func collectPages[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	var items []T
	offset := 0
	for {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		q.Set("limit", strconv.Itoa(c.pageLimit))
		q.Set("offset", strconv.Itoa(offset))

		var pg page[T]
		if err := c.get(ctx, path, q, &pg); err != nil {
			return nil, err
		}
		items = append(items, pg.Items...)
		offset += len(pg.Items)
		if len(pg.Items) == 0 || offset >= pg.Paging.Count {
			return items, nil
		}
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) put(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	op := req.Method + " " + req.URL.Path
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set(tokenHeader, c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return classifyStatus(op, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classifyTransport(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
