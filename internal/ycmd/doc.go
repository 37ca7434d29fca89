// Package ycmd manages ycmd semantic-completion server processes and
// proxies editor requests to them.
//
// ycmd is an out-of-process completion engine with an HTTP+JSON API.
// This package owns the full client side of that contract: it launches
// one server per project root, renders the server's options file,
// authenticates every exchange with the shared HMAC secret, and parses
// completion and diagnostic responses back into typed results.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Manager: process-wide registry of servers, one per project root
//   - Supervisor: crash recovery with exponential backoff for one server
//   - Server: a single ycmd subprocess and its HTTP handlers
//   - Transport: HMAC-authenticated HTTP+JSON exchange
//   - Client: asynchronous request dispatch with supersession
//
// # Quick Start
//
// Start a server for a project and request completions:
//
//	mgr := ycmd.NewManager(ycmd.WithLogger(logger))
//	defer mgr.Shutdown(context.Background())
//
//	cfg := ycmd.StartupConfig{RootDirectory: "/opt/ycmd"}
//	handle, err := mgr.EnsureRunning(ctx, "/home/me/project", cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client := ycmd.NewClient(mgr, ycmd.WithClientLogger(logger))
//	params := ycmd.RequestParameters{
//	    FilePath:     "/home/me/project/main.c",
//	    FileContents: contents,
//	    FileTypes:    []string{"c"},
//	    LineNum:      10,
//	    ColumnNum:    4,
//	}
//	call := client.Send(ctx, "/home/me/project", ycmd.KindCompletions, params)
//	raw, err := call.Wait(ctx)
//
// # Lifecycle
//
// EnsureRunning is idempotent per project root: concurrent callers share
// a single startup, and a healthy server is returned as-is. A server
// that crashes is restarted by its supervisor with exponential backoff;
// requests issued while no server is ready fail with ErrServerUnavailable
// rather than blocking.
//
// # Ordering
//
// Requests of the same kind for the same project root are sequenced. A
// newer request supersedes an older unresolved one; the superseded call
// resolves with ErrSuperseded before the newer call resolves.
package ycmd
