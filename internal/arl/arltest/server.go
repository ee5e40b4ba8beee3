// ABOUTME: Scriptable in-process fake of the ARL agent API for tests and local trials
// ABOUTME: Serves login, task and result listing endpoints over TLS with token checks

// Package arltest provides a fake ARL agent. Task statuses follow a script
// advanced on every status poll, results can be appended between polls, and
// tokens can be expired on demand to exercise re-authentication.
package arltest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// Finger is one fingerprint of a site.
type Finger struct {
	Name    string
	Version string
}

// Site is a site record served by /api/site/.
type Site struct {
	Site       string
	Title      string
	IP         string
	HTTPServer string
	Fingers    []Finger
}

// Subdomain is a record served by /api/domain/.
type Subdomain struct {
	Domain string
	Type   string
	IPs    []string
}

// FileLeak is a record served by /api/fileleak/.
type FileLeak struct {
	URL   string
	Title string
}

// Task is the fake agent's view of one task.
type Task struct {
	ID     string
	Name   string
	Target string
	// Status is the status reported by listings and, once Script is
	// exhausted, by status polls.
	Status string
	// Script is consumed one entry per status poll. The last entry sticks.
	Script  []string
	Polls   int
	Sites   []Site
	Domains []Subdomain
	Leaks   []FileLeak
}

// Server is a fake ARL agent.
type Server struct {
	Username string
	Password string

	// Script is copied into every task created through the submit endpoint.
	Script []string
	// OnPoll runs under the server lock after a status poll advanced a task.
	// It may append results to the task.
	OnPoll func(t *Task)
	// Reject maps a target to the error message returned when it is submitted.
	Reject map[string]string

	mu         sync.Mutex
	tokens     map[string]bool
	tasks      map[string]*Task
	order      []string
	nextID     int
	nextToken  int
	loginFails bool
	failStatus bool
	calls      map[string]int
	deleted    []string
	lastSubmit map[string]any

	srv *httptest.Server
}

// NewServer starts a TLS fake agent with credentials admin/arlpass.
func NewServer() *Server {
	s := newServer()
	s.srv = httptest.NewTLSServer(s.Handler())
	return s
}

// Listen starts a TLS fake agent on addr. Used by the fake-arl command.
func Listen(addr string) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	s := newServer()
	s.srv = httptest.NewUnstartedServer(s.Handler())
	s.srv.Listener.Close()
	s.srv.Listener = l
	s.srv.StartTLS()
	return s, nil
}

func newServer() *Server {
	return &Server{
		Username: "admin",
		Password: "arlpass",
		Script:   []string{"done"},
		Reject:   make(map[string]string),
		tokens:   make(map[string]bool),
		tasks:    make(map[string]*Task),
		calls:    make(map[string]int),
	}
}

// URL returns the https base URL of the server.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// AddTask registers a task directly, as if it had been submitted earlier.
// An empty ID is assigned automatically. Returns the task id.
func (s *Server) AddTask(t Task) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(&t)
}

func (s *Server) addLocked(t *Task) string {
	if t.ID == "" {
		s.nextID++
		t.ID = "task-" + strconv.Itoa(s.nextID)
	}
	if t.Status == "" {
		t.Status = "waiting"
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return t.ID
}

// SetStatus overrides the status of a task and clears its script.
func (s *Server) SetStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = status
		t.Script = nil
	}
}

// AppendSites adds site records to a task.
func (s *Server) AppendSites(id string, sites ...Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Sites = append(t.Sites, sites...)
	}
}

// AppendDomains adds subdomain records to a task.
func (s *Server) AppendDomains(id string, domains ...Subdomain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Domains = append(t.Domains, domains...)
	}
}

// AppendLeaks adds file leak records to a task.
func (s *Server) AppendLeaks(id string, leaks ...FileLeak) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Leaks = append(t.Leaks, leaks...)
	}
}

// Task returns a copy of a task.
func (s *Server) Task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// TaskIDs returns task ids in creation order.
func (s *Server) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if _, ok := s.tasks[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// ExpireTokens invalidates every issued token.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

// IssueToken returns a valid token without going through login.
func (s *Server) IssueToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked()
}

func (s *Server) issueLocked() string {
	s.nextToken++
	tok := "tok-" + strconv.Itoa(s.nextToken)
	s.tokens[tok] = true
	return tok
}

// SetLoginFailure makes every login attempt fail while on is true.
func (s *Server) SetLoginFailure(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginFails = on
}

// SetStatusFailure makes status polls answer with a rejection while on is true.
func (s *Server) SetStatusFailure(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = on
}

// Calls returns how many times an endpoint was hit. Names are "login",
// "submit", "status", "list", "delete", "site", "domain" and "fileleak".
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Deleted returns the ids removed through the delete endpoint.
func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// LastSubmit returns the decoded body of the most recent submission.
func (s *Server) LastSubmit() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSubmit
}

// Handler returns the HTTP handler implementing the agent API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/user/login", s.handleLogin)
	mux.HandleFunc("POST /api/task/{$}", s.authed("submit", s.handleSubmit))
	mux.HandleFunc("GET /api/task/{$}", s.authed("list", s.handleList))
	mux.HandleFunc("GET /api/task/{id}", s.authed("status", s.handleStatus))
	mux.HandleFunc("POST /api/task/delete/{$}", s.authed("delete", s.handleDelete))
	mux.HandleFunc("GET /api/site/{$}", s.authed("site", s.handleSites))
	mux.HandleFunc("GET /api/domain/{$}", s.authed("domain", s.handleDomains))
	mux.HandleFunc("GET /api/fileleak/{$}", s.authed("fileleak", s.handleLeaks))
	return mux
}

type reply struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Items   any    `json:"items,omitempty"`
	Total   int    `json:"total,omitempty"`
}

func writeReply(w http.ResponseWriter, r reply) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r)
}

// authed counts the call and rejects requests without a live token. The
// wrapped handler runs with the server lock held.
func (s *Server) authed(name string, next func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.calls[name]++
		if !s.tokens[r.Header.Get("Token")] {
			writeReply(w, reply{Code: 401, Message: "not login"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["login"]++

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeReply(w, reply{Code: 400, Message: "bad request"})
		return
	}
	if s.loginFails || body.Username != s.Username || body.Password != s.Password {
		writeReply(w, reply{Code: 401, Message: "account or password error"})
		return
	}
	writeReply(w, reply{Code: 200, Message: "success", Data: map[string]string{"token": s.issueLocked()}})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeReply(w, reply{Code: 400, Message: "bad request"})
		return
	}
	s.lastSubmit = body

	target, _ := body["target"].(string)
	name, _ := body["name"].(string)
	if msg, ok := s.Reject[target]; ok {
		writeReply(w, reply{Code: 500, Message: msg})
		return
	}

	t := &Task{Name: name, Target: target, Script: append([]string(nil), s.Script...)}
	id := s.addLocked(t)
	writeReply(w, reply{Code: 200, Message: "success", Items: []map[string]string{{"task_id": id, "target": target, "name": name}}})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.failStatus {
		writeReply(w, reply{Code: 500, Message: "internal error"})
		return
	}
	t, ok := s.tasks[r.PathValue("id")]
	if !ok {
		writeReply(w, reply{Code: 404, Message: "task not found"})
		return
	}

	if len(t.Script) > 0 {
		idx := t.Polls
		if idx >= len(t.Script) {
			idx = len(t.Script) - 1
		}
		t.Status = t.Script[idx]
	}
	t.Polls++
	if s.OnPoll != nil {
		s.OnPoll(t)
	}

	endTime := "-"
	if t.Status == "done" {
		endTime = "2024-01-01 00:00:00"
	}
	services := []map[string]string{}
	if t.Polls > 1 {
		services = append(services, map[string]string{"name": "domain_brute"})
	}
	writeReply(w, reply{Code: 200, Message: "success", Data: map[string]any{
		"_id":      t.ID,
		"status":   t.Status,
		"service":  services,
		"end_time": endTime,
	}})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items := make([]map[string]string, 0, len(s.order))
	for _, id := range s.order {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		items = append(items, map[string]string{"_id": t.ID, "name": t.Name, "target": t.Target, "status": t.Status})
	}
	page := paginate(r, len(items))
	writeReply(w, reply{Code: 200, Message: "success", Items: items[page.from:page.to], Total: len(items)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID      []string `json:"task_id"`
		DelTaskData bool     `json:"del_task_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.TaskID) == 0 {
		writeReply(w, reply{Code: 400, Message: "bad request"})
		return
	}
	for _, id := range body.TaskID {
		if _, ok := s.tasks[id]; !ok {
			writeReply(w, reply{Code: 404, Message: "task not found"})
			return
		}
	}
	for _, id := range body.TaskID {
		delete(s.tasks, id)
		s.deleted = append(s.deleted, id)
	}
	writeReply(w, reply{Code: 200, Message: "success"})
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	t := s.tasks[r.URL.Query().Get("task_id")]
	items := []map[string]any{}
	if t != nil {
		for _, site := range t.Sites {
			fingers := make([]map[string]string, 0, len(site.Fingers))
			for _, f := range site.Fingers {
				fingers = append(fingers, map[string]string{"name": f.Name, "version": f.Version})
			}
			items = append(items, map[string]any{
				"site":        site.Site,
				"title":       site.Title,
				"ip":          site.IP,
				"http_server": site.HTTPServer,
				"finger":      fingers,
			})
		}
	}
	page := paginate(r, len(items))
	writeReply(w, reply{Code: 200, Message: "success", Items: items[page.from:page.to], Total: len(items)})
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	t := s.tasks[r.URL.Query().Get("task_id")]
	items := []map[string]any{}
	if t != nil {
		for _, d := range t.Domains {
			items = append(items, map[string]any{"domain": d.Domain, "type": d.Type, "ips": d.IPs})
		}
	}
	page := paginate(r, len(items))
	writeReply(w, reply{Code: 200, Message: "success", Items: items[page.from:page.to], Total: len(items)})
}

func (s *Server) handleLeaks(w http.ResponseWriter, r *http.Request) {
	t := s.tasks[r.URL.Query().Get("task_id")]
	items := []map[string]any{}
	if t != nil {
		for _, l := range t.Leaks {
			items = append(items, map[string]any{"url": l.URL, "title": l.Title})
		}
	}
	page := paginate(r, len(items))
	writeReply(w, reply{Code: 200, Message: "success", Items: items[page.from:page.to], Total: len(items)})
}

type window struct{ from, to int }

func paginate(r *http.Request, n int) window {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	from := (page - 1) * size
	if from > n {
		from = n
	}
	to := from + size
	if to > n {
		to = n
	}
	return window{from: from, to: to}
}
