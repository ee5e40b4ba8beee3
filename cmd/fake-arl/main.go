// ABOUTME: Fake ARL agent for local trials of beacon-orchestrator
// ABOUTME: Usage: fake-arl [-addr localhost:5003] [-polls 4] [-user admin] [-password arlpass]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/2389/beacon-orchestrator/internal/arl/arltest"
)

func main() {
	addr := flag.String("addr", "localhost:5003", "listen address")
	user := flag.String("user", "admin", "accepted username")
	password := flag.String("password", "arlpass", "accepted password")
	polls := flag.Int("polls", 4, "status polls before a task reports done")
	flag.Parse()

	if err := run(*addr, *user, *password, *polls); err != nil {
		log.Fatal(err)
	}
}

func run(addr, user, password string, polls int) error {
	if polls < 1 {
		return fmt.Errorf("-polls must be at least 1")
	}

	srv, err := arltest.Listen(addr)
	if err != nil {
		return err
	}
	defer srv.Close()

	srv.Username = user
	srv.Password = password
	srv.Script = script(polls)
	srv.OnPoll = grow

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	fmt.Fprintf(os.Stderr, "fake ARL agent on %s (%s/%s), tasks finish after %d polls\n", srv.URL(), user, password, polls)
	<-ctx.Done()
	return nil
}

func script(polls int) []string {
	s := make([]string, 0, polls)
	for range polls - 1 {
		s = append(s, "running")
	}
	return append(s, "done")
}

// grow adds one site, subdomain and, every other poll, a leaked file.
func grow(t *arltest.Task) {
	n := len(t.Sites) + 1
	host := fmt.Sprintf("s%d.%s", n, t.Target)

	t.Sites = append(t.Sites, arltest.Site{
		Site:       "https://" + host,
		Title:      fmt.Sprintf("Site %d", n),
		IP:         fmt.Sprintf("192.0.2.%d", n%250+1),
		HTTPServer: "nginx",
		Fingers:    []arltest.Finger{{Name: "nginx", Version: "1.25"}},
	})
	t.Domains = append(t.Domains, arltest.Subdomain{
		Domain: host,
		Type:   "A",
		IPs:    []string{fmt.Sprintf("192.0.2.%d", n%250+1)},
	})
	if t.Polls%2 == 0 {
		t.Leaks = append(t.Leaks, arltest.FileLeak{
			URL:   fmt.Sprintf("https://%s/.git/config", host),
			Title: "git config",
		})
	}
}
