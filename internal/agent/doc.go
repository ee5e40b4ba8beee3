// Package agent manages the pool of registered ARL scanning agents.
//
// # Overview
//
// An agent is identified by its normalized address (https://host:port). It
// holds the credentials used to log in and the current token, which is the
// only mutable part of an agent.
//
// # Manager
//
// The Manager tracks all active agents:
//
//	mgr := agent.NewManager(store, agent.Options{Username: "admin", Password: "arlpass"})
//
// Key operations:
//
//   - Add(ctx, addr, user, pass): Log in and register an agent
//   - Remove(ctx, addr): Unregister an agent and delete its record
//   - Load(ctx): Register every stored agent with its stored token
//   - List(): Snapshots of all active agents
//   - Do(ctx, addr, op): Run an API call with token refresh
//
// # Token Refresh
//
// Do runs the operation with the current token. If the agent answers that
// the token expired, Do logs in again and retries the operation exactly
// once. Refreshes of one agent are serialized by a per-agent mutex that
// covers only the login; goroutines that queue behind a refresh reuse the
// token it obtained.
//
// If the login fails, the agent is evicted: it leaves the active pool, its
// stored record is deleted, the OnTokenExpired callback runs, and Do returns
// an error wrapping ErrTokenExpired. Ledger entries of the agent are kept.
package agent
