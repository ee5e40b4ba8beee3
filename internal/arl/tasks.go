// ABOUTME: Login and task lifecycle endpoints of the ARL agent API
// ABOUTME: Covers submit, status, listing and deletion of scan tasks

package arl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Task status values reported by agents. Agents may also report the name of
// the running stage (e.g. "port_scan"); such values are non-terminal.
const (
	StatusSubmitted = "submitted"
	StatusWaiting   = "waiting"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusError     = "error"
	StatusStopped   = "stop"
)

// IsTerminal reports whether status ends a task's lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case StatusDone, StatusError, StatusStopped:
		return true
	}
	return false
}

// IsActive reports whether status counts against an agent's job ceiling.
func IsActive(status string) bool {
	return status == StatusRunning || status == StatusWaiting
}

// ScanOptions are the scan-option flags sent with every submitted task.
type ScanOptions struct {
	DomainBruteType  string `json:"domain_brute_type" yaml:"domain_brute_type" toml:"domain_brute_type"`
	PortScanType     string `json:"port_scan_type" yaml:"port_scan_type" toml:"port_scan_type"`
	DomainBrute      bool   `json:"domain_brute" yaml:"domain_brute" toml:"domain_brute"`
	AltDNS           bool   `json:"alt_dns" yaml:"alt_dns" toml:"alt_dns"`
	DNSQueryPlugin   bool   `json:"dns_query_plugin" yaml:"dns_query_plugin" toml:"dns_query_plugin"`
	ARLSearch        bool   `json:"arl_search" yaml:"arl_search" toml:"arl_search"`
	PortScan         bool   `json:"port_scan" yaml:"port_scan" toml:"port_scan"`
	ServiceDetection bool   `json:"service_detection" yaml:"service_detection" toml:"service_detection"`
	OSDetection      bool   `json:"os_detection" yaml:"os_detection" toml:"os_detection"`
	SSLCert          bool   `json:"ssl_cert" yaml:"ssl_cert" toml:"ssl_cert"`
	SkipScanCDNIP    bool   `json:"skip_scan_cdn_ip" yaml:"skip_scan_cdn_ip" toml:"skip_scan_cdn_ip"`
	SiteIdentify     bool   `json:"site_identify" yaml:"site_identify" toml:"site_identify"`
	SearchEngines    bool   `json:"search_engines" yaml:"search_engines" toml:"search_engines"`
	SiteSpider       bool   `json:"site_spider" yaml:"site_spider" toml:"site_spider"`
	SiteCapture      bool   `json:"site_capture" yaml:"site_capture" toml:"site_capture"`
	FileLeak         bool   `json:"file_leak" yaml:"file_leak" toml:"file_leak"`
	FindVhost        bool   `json:"findvhost" yaml:"findvhost" toml:"findvhost"`
	NucleiScan       bool   `json:"nuclei_scan" yaml:"nuclei_scan" toml:"nuclei_scan"`
	WebInfoHunter    bool   `json:"web_info_hunter" yaml:"web_info_hunter" toml:"web_info_hunter"`
}

// DefaultScanOptions returns the option set used for asset reconnaissance:
// brute-forced subdomains, full port scan, service and site identification,
// and file leak detection.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		DomainBruteType:  "big",
		PortScanType:     "all",
		DomainBrute:      true,
		DNSQueryPlugin:   true,
		ARLSearch:        true,
		PortScan:         true,
		ServiceDetection: true,
		SkipScanCDNIP:    true,
		SiteIdentify:     true,
		FileLeak:         true,
	}
}

// SubmitRequest describes one task submission.
type SubmitRequest struct {
	Name    string
	Target  string
	Options ScanOptions
}

// TaskName returns the default task name for a submission made at t.
func TaskName(t time.Time) string {
	return "DTGO_" + strconv.FormatInt(t.Unix(), 10)
}

// TaskStatus is the status detail of one task.
type TaskStatus struct {
	Status   string
	Services []string
	EndTime  string
}

// Detail renders the progress information shown alongside a status.
func (s TaskStatus) Detail() string {
	var parts []string
	if len(s.Services) > 0 {
		parts = append(parts, "completed: "+strings.Join(s.Services, ", "))
	}
	if s.EndTime != "" && s.EndTime != "-" {
		parts = append(parts, "ended: "+s.EndTime)
	}
	if len(parts) == 0 {
		return "in progress"
	}
	return strings.Join(parts, " | ")
}

// TaskSummary is one row of the task listing.
type TaskSummary struct {
	ID     string
	Name   string
	Target string
	Status string
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	const op = "login"
	body := map[string]string{"username": username, "password": password}

	env, err := c.call(ctx, op, http.MethodPost, "/api/user/login", nil, "", body, c.loginTimeout)
	if err != nil {
		return "", err
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := decode(op, env.Data, &data); err != nil {
		return "", err
	}
	if data.Token == "" {
		return "", &MalformedResponseError{Op: op, Err: errors.New("empty token")}
	}

	c.logger.Debug("logged in")
	return data.Token, nil
}

// Submit creates a task for req.Target and returns the task ids the agent
// assigned (one per resolved target).
func (c *Client) Submit(ctx context.Context, token string, req SubmitRequest) ([]string, error) {
	const op = "submit"
	if strings.TrimSpace(req.Target) == "" {
		return nil, errors.New("submit: target is empty")
	}
	if req.Name == "" {
		req.Name = TaskName(time.Now())
	}

	payload := struct {
		Name   string `json:"name"`
		Target string `json:"target"`
		ScanOptions
	}{
		Name:        req.Name,
		Target:      req.Target,
		ScanOptions: req.Options,
	}

	env, err := c.call(ctx, op, http.MethodPost, "/api/task/", nil, token, payload, c.timeout)
	if err != nil {
		return nil, err
	}

	var items []struct {
		TaskID string `json:"task_id"`
	}
	if err := decode(op, env.Items, &items); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.TaskID != "" {
			ids = append(ids, it.TaskID)
		}
	}
	if len(ids) == 0 {
		return nil, &MalformedResponseError{Op: op, Err: errors.New("no task ids in response")}
	}

	c.logger.Debug("submitted task", "target", req.Target, "task_ids", ids)
	return ids, nil
}

// Status returns the current status of a task.
func (c *Client) Status(ctx context.Context, token, taskID string) (TaskStatus, error) {
	const op = "status"
	env, err := c.call(ctx, op, http.MethodGet, "/api/task/"+url.PathEscape(taskID), nil, token, nil, c.timeout)
	if err != nil {
		return TaskStatus{}, err
	}

	var data struct {
		Status  *string `json:"status"`
		Service []struct {
			Name string `json:"name"`
		} `json:"service"`
		EndTime string `json:"end_time"`
	}
	if err := decode(op, env.Data, &data); err != nil {
		return TaskStatus{}, err
	}
	if data.Status == nil {
		return TaskStatus{}, &MalformedResponseError{Op: op, Err: errors.New("missing status")}
	}

	st := TaskStatus{Status: *data.Status, EndTime: data.EndTime}
	for _, s := range data.Service {
		st.Services = append(st.Services, s.Name)
	}
	return st, nil
}

// ListTasks returns one page of the agent's task listing.
func (c *Client) ListTasks(ctx context.Context, token string, page, size int) ([]TaskSummary, error) {
	const op = "list tasks"
	env, err := c.call(ctx, op, http.MethodGet, "/api/task/", pageQuery("", page, size), token, nil, c.timeout)
	if err != nil {
		return nil, err
	}

	var items []struct {
		ID     string `json:"_id"`
		TaskID string `json:"task_id"`
		Name   string `json:"name"`
		Target string `json:"target"`
		Status string `json:"status"`
	}
	if err := decodeItems(op, env.Items, &items); err != nil {
		return nil, err
	}

	tasks := make([]TaskSummary, 0, len(items))
	for _, it := range items {
		id := it.ID
		if id == "" {
			id = it.TaskID
		}
		tasks = append(tasks, TaskSummary{ID: id, Name: it.Name, Target: it.Target, Status: it.Status})
	}
	return tasks, nil
}

// DeleteTasks deletes tasks and their collected data.
func (c *Client) DeleteTasks(ctx context.Context, token string, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	body := map[string]any{
		"task_id":       taskIDs,
		"del_task_data": true,
	}
	if _, err := c.call(ctx, "delete tasks", http.MethodPost, "/api/task/delete/", nil, token, body, c.timeout); err != nil {
		return err
	}
	c.logger.Debug("deleted tasks", "task_ids", taskIDs)
	return nil
}

// pageQuery builds the page/size query, scoped to taskID when non-empty.
func pageQuery(taskID string, page, size int) url.Values {
	q := url.Values{}
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	return q
}

// decodeItems decodes a listing. A missing items member is an empty listing.
func decodeItems(op string, raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &MalformedResponseError{Op: op, Err: fmt.Errorf("decoding items: %w", err)}
	}
	return nil
}
