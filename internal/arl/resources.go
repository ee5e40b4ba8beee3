// ABOUTME: Result listing endpoints (sites, domains, file leaks) of the ARL agent API
// ABOUTME: Decodes listing items into flat asset, domain and leak records

package arl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Resource names a result listing endpoint.
type Resource string

const (
	ResourceSite     Resource = "site"
	ResourceDomain   Resource = "domain"
	ResourceFileLeak Resource = "fileleak"
)

// Asset is one identified web site.
type Asset struct {
	Site       string `json:"site"`
	Title      string `json:"title"`
	IP         string `json:"ip"`
	HTTPServer string `json:"http_server"`
	// Finger lists fingerprints as name+version, joined by ", ".
	Finger string `json:"finger"`
}

// Domain is one discovered subdomain.
type Domain struct {
	Domain string `json:"domain"`
	Type   string `json:"type"`
	// IPs is the resolved address list joined by ", ".
	IPs string `json:"ips"`
}

// Leak is one exposed file.
type Leak struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// GetPage returns the raw items of one page of a task's resource listing.
func (c *Client) GetPage(ctx context.Context, token string, resource Resource, taskID string, page, size int) ([]json.RawMessage, error) {
	op := "list " + string(resource)
	path := fmt.Sprintf("/api/%s/", resource)

	env, err := c.call(ctx, op, http.MethodGet, path, pageQuery(taskID, page, size), token, nil, c.timeout)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := decodeItems(op, env.Items, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Sites returns the identified sites of a task.
func (c *Client) Sites(ctx context.Context, token, taskID string, page, size int) ([]Asset, error) {
	items, err := c.GetPage(ctx, token, ResourceSite, taskID, page, size)
	if err != nil {
		return nil, err
	}

	assets := make([]Asset, 0, len(items))
	for _, raw := range items {
		var it struct {
			Site       string `json:"site"`
			Title      string `json:"title"`
			IP         string `json:"ip"`
			HTTPServer string `json:"http_server"`
			Finger     []struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"finger"`
		}
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, &MalformedResponseError{Op: "list site", Err: err}
		}

		fingers := make([]string, 0, len(it.Finger))
		for _, f := range it.Finger {
			fingers = append(fingers, f.Name+f.Version)
		}
		assets = append(assets, Asset{
			Site:       it.Site,
			Title:      it.Title,
			IP:         it.IP,
			HTTPServer: it.HTTPServer,
			Finger:     strings.Join(fingers, ", "),
		})
	}
	return assets, nil
}

// Domains returns the discovered subdomains of a task.
func (c *Client) Domains(ctx context.Context, token, taskID string, page, size int) ([]Domain, error) {
	items, err := c.GetPage(ctx, token, ResourceDomain, taskID, page, size)
	if err != nil {
		return nil, err
	}

	domains := make([]Domain, 0, len(items))
	for _, raw := range items {
		var it struct {
			Domain string   `json:"domain"`
			Type   string   `json:"type"`
			IPs    []string `json:"ips"`
		}
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, &MalformedResponseError{Op: "list domain", Err: err}
		}
		domains = append(domains, Domain{Domain: it.Domain, Type: it.Type, IPs: strings.Join(it.IPs, ", ")})
	}
	return domains, nil
}

// FileLeaks returns the exposed files found by a task.
func (c *Client) FileLeaks(ctx context.Context, token, taskID string, page, size int) ([]Leak, error) {
	items, err := c.GetPage(ctx, token, ResourceFileLeak, taskID, page, size)
	if err != nil {
		return nil, err
	}

	leaks := make([]Leak, 0, len(items))
	for _, raw := range items {
		var it Leak
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, &MalformedResponseError{Op: "list fileleak", Err: err}
		}
		leaks = append(leaks, it)
	}
	return leaks, nil
}
