// Package tools defines the built-in tool set and assembles it into a
// registry. Each tool is a thin adapter from validated arguments to one of
// the capability guards: the sandbox, the egress guard, the audit log or the
// key/value store.
package tools

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/toolgate/internal/audit"
	"github.com/ashita-ai/toolgate/internal/egress"
	"github.com/ashita-ai/toolgate/internal/kv"
	"github.com/ashita-ai/toolgate/internal/registry"
	"github.com/ashita-ai/toolgate/internal/sandbox"
)

//go:embed schemas/*.json
var schemas embed.FS

// OK is the result of tools that only report success.
const OK = "OK"

// Deps are the guards the tools run against. KV is optional; without it the
// kv_put and kv_get tools are not registered.
type Deps struct {
	Sandbox *sandbox.Sandbox
	Egress  *egress.Guard
	Audit   *audit.Log
	KV      kv.Store
	Logger  *slog.Logger
}

// Build returns the registry of every tool deps can support.
func Build(d Deps) (*registry.Registry, error) {
	if d.Sandbox == nil || d.Egress == nil || d.Audit == nil {
		return nil, errors.New("tools: sandbox, egress and audit are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	defs := []registry.Tool{
		{
			Name:        "fs_write",
			Description: "Write a text file under sandbox root",
			Handler:     registry.Typed(fsWrite(d.Sandbox)),
		},
		{
			Name:        "fs_read",
			Description: "Read a text file under sandbox root",
			Handler:     registry.Typed(fsRead(d.Sandbox)),
		},
		{
			Name:        "http_fetch",
			Description: "Fetch a URL with allowlist, timeouts, and SSRF safeguards",
			Handler:     registry.Typed(httpFetch(d.Egress)),
		},
		{
			Name:        "json_validate",
			Description: "Validate a JSON instance against a JSON Schema (draft 2020-12 by default).",
			Handler:     registry.Typed(jsonValidate),
		},
		{
			Name:        "artifact_log",
			Description: "Append an immutable artifact record (NDJSON) under the sandboxed artifacts directory.",
			Handler:     registry.Typed(artifactLog(d.Audit)),
		},
		{
			Name:        "artifact_list",
			Description: "List recent artifact records for a tag (newest first by default).",
			Handler:     registry.Typed(artifactList(d.Audit)),
		},
	}
	if d.KV != nil {
		defs = append(defs,
			registry.Tool{
				Name:        "kv_put",
				Description: "Put a key/value pair with optional TTL (seconds)",
				Handler:     registry.Typed(kvPut(d.KV)),
			},
			registry.Tool{
				Name:        "kv_get",
				Description: "Get the value for a key (or empty string if missing)",
				Handler:     registry.Typed(kvGet(d.KV)),
			},
		)
	}

	for i := range defs {
		raw, err := schemas.ReadFile("schemas/" + defs[i].Name + ".json")
		if err != nil {
			return nil, fmt.Errorf("tools: schema for %s: %w", defs[i].Name, err)
		}
		defs[i].InputSchema = json.RawMessage(raw)
	}
	return registry.New(d.Logger, defs...)
}
