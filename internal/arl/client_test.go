// ABOUTME: Tests for the ARL agent client against the arltest fake agent
// ABOUTME: Covers login, submit payload, status detail, listings and error taxonomy

package arl_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-orchestrator/internal/arl"
	"github.com/2389/beacon-orchestrator/internal/arl/arltest"
)

func newClient(t *testing.T, srv *arltest.Server) *arl.Client {
	t.Helper()
	c, err := arl.New(srv.URL(), arl.WithInsecureTLS(true), arl.WithTimeout(2*time.Second))
	require.NoError(t, err)
	return c
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.1:5003", "https://10.0.0.1:5003"},
		{"https://10.0.0.1:5003/", "https://10.0.0.1:5003"},
		{"  http://beacon.local  ", "http://beacon.local"},
		{"https://beacon.local/arl/", "https://beacon.local/arl"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := arl.NormalizeAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := arl.NormalizeAddress("")
	assert.Error(t, err)
	_, err = arl.NormalizeAddress("ftp://beacon.local")
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	srv := arltest.NewServer()
	defer srv.Close()
	c := newClient(t, srv)

	token, err := c.Login(t.Context(), "admin", "arlpass")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = c.Login(t.Context(), "admin", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, arl.ErrAuthExpired)
}

func TestSubmit_SendsScanOptionsAndToken(t *testing.T) {
	srv := arltest.NewServer()
	defer srv.Close()
	c := newClient(t, srv)
	token := srv.IssueToken()

	ids, err := c.Submit(t.Context(), token, arl.SubmitRequest{
		Target:  "example.com",
		Options: arl.DefaultScanOptions(),
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	body := srv.LastSubmit()
	assert.Equal(t, "example.com", body["target"])
	assert.Regexp(t, `^DTGO_\d+$`, body["name"])
	assert.Equal(t, "big", body["domain_brute_type"])
	assert.Equal(t, "all", body["port_scan_type"])
	assert.Equal(t, true, body["file_leak"])
	assert.Equal(t, false, body["nuclei_scan"])
	assert.Equal(t, true, body["skip_scan_cdn_ip"])
}

func TestSubmit_Rejected(t *testing.T) {
	srv := arltest.NewServer()
	defer srv.Close()
	srv.Reject["bad.example"] = "target invalid"
	c := newClient(t, srv)

	_, err := c.Submit(t.Context(), srv.IssueToken(), arl.SubmitRequest{Target: "bad.example"})
	require.Error(t, err)

	var rej *arl.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 500, rej.Code)
	assert.Equal(t, "target invalid", rej.Message)
	assert.True(t, arl.IsRejected(err))
}

func TestAuthenticatedCall_ExpiredToken(t *testing.T) {
	srv := arltest.NewServer()
	defer srv.Close()
	c := newClient(t, srv)

	_, err := c.ListTasks(t.Context(), "stale", 1, 100)
	assert.ErrorIs(t, err, arl.ErrAuthExpired)
}

func TestStatus_Detail(t *testing.T) {
	srv := arltest.NewServer()
	defer srv.Close()
	c := newClient(t, srv)
	token := srv.IssueToken()

	id := srv.AddTask(arltest.Task{Target: "example.com", Script: []string{"running", "done"}})

	st, err := c.Status(t.Context(), token, id)
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, "in progress", st.Detail())

	st, err = c.Status(t.Context(), token, id)
	require.NoError(t, err)
	assert.Equal(t, "done", st.Status)
	assert.Equal(t, []string{"domain_brute"}, st.Services)
	assert.Equal(t, "completed: domain_brute | ended: 2024-01-01 00:00:00", st.Detail())
}

func TestListTasks(t *testing.T) {
	srv := arltest.NewServer()
	defer srv.Close()
	c := newClient(t, srv)
	token := srv.IssueToken()

	srv.AddTask(arltest.Task{ID: "a", Status: "running"})
	srv.AddTask(arltest.Task{ID: "b", Status: "done"})
	srv.AddTask(arltest.Task{ID: "c", Status: "waiting"})

	tasks, err := c.ListTasks(t.Context(), token, 1, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "done", tasks[1].Status)

	tasks, err = c.ListTasks(t.Context(), token, 2, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "c", tasks[0].ID)
}

func TestResourceListings(t *testing.T) {
	srv := arltest.NewServer()
	defer srv.Close()
	c := newClient(t, srv)
	token := srv.IssueToken()

	id := srv.AddTask(arltest.Task{Target: "example.com"})
	srv.AppendSites(id, arltest.Site{
		Site:       "https://www.example.com",
		Title:      "Example",
		IP:         "93.184.216.34",
		HTTPServer: "nginx",
		Fingers:    []arltest.Finger{{Name: "nginx", Version: "1.25"}, {Name: "jQuery"}},
	})
	srv.AppendDomains(id, arltest.Subdomain{Domain: "www.example.com", Type: "A", IPs: []string{"1.1.1.1", "2.2.2.2"}})
	srv.AppendLeaks(id, arltest.FileLeak{URL: "https://www.example.com/.git/config", Title: "git"})

	sites, err := c.Sites(t.Context(), token, id, 1, 1000)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "nginx1.25, jQuery", sites[0].Finger)
	assert.Equal(t, "nginx", sites[0].HTTPServer)

	domains, err := c.Domains(t.Context(), token, id, 1, 1000)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, "1.1.1.1, 2.2.2.2", domains[0].IPs)

	leaks, err := c.FileLeaks(t.Context(), token, id, 1, 1000)
	require.NoError(t, err)
	require.Len(t, leaks, 1)
	assert.Equal(t, "git", leaks[0].Title)

	empty, err := c.Sites(t.Context(), token, "missing", 1, 1000)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeleteTasks(t *testing.T) {
	srv := arltest.NewServer()
	defer srv.Close()
	c := newClient(t, srv)
	token := srv.IssueToken()

	id := srv.AddTask(arltest.Task{Target: "example.com"})
	require.NoError(t, c.DeleteTasks(t.Context(), token, id))
	assert.Equal(t, []string{id}, srv.Deleted())

	err := c.DeleteTasks(t.Context(), token, id)
	var rej *arl.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 404, rej.Code)
}

func TestMalformedResponse(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway timeout</html>"))
	}))
	defer ts.Close()

	c, err := arl.New(ts.URL, arl.WithInsecureTLS(true))
	require.NoError(t, err)

	_, err = c.Status(t.Context(), "tok", "x")
	var mal *arl.MalformedResponseError
	require.ErrorAs(t, err, &mal)
	assert.True(t, arl.IsRejected(err))
	assert.False(t, arl.IsNetwork(err))
}

func TestNetworkError(t *testing.T) {
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := arl.New(url, arl.WithInsecureTLS(true), arl.WithTimeout(time.Second))
	require.NoError(t, err)

	_, err = c.ListTasks(t.Context(), "tok", 1, 10)
	require.Error(t, err)
	assert.True(t, arl.IsNetwork(err))
	assert.False(t, errors.Is(err, arl.ErrAuthExpired))
}

func TestTaskStatusHelpers(t *testing.T) {
	assert.True(t, arl.IsTerminal("done"))
	assert.True(t, arl.IsTerminal("error"))
	assert.False(t, arl.IsTerminal("port_scan"))
	assert.True(t, arl.IsActive("waiting"))
	assert.False(t, arl.IsActive("done"))
	assert.Equal(t, "DTGO_1700000000", arl.TaskName(time.Unix(1700000000, 0)))
}
