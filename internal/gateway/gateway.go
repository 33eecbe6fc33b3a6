// Package gateway exposes a tool registry over JSON-RPC 2.0 on HTTP.
//
// Every HTTP request passes two gates before any protocol handling: the
// Origin header must be in the allow-set, and (except for CORS preflight) the
// bearer secret must match. Only then is the body read and dispatched.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/toolgate/internal/auth"
	"github.com/ashita-ai/toolgate/internal/ctxutil"
	"github.com/ashita-ai/toolgate/internal/registry"
)

// DefaultMaxBodyBytes caps a request body when Options.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 4 << 20

// Options configures a Gateway.
type Options struct {
	Verifier     *auth.Verifier // required
	Origins      auth.OriginPolicy
	MaxBodyBytes int64
	Name         string // serverInfo.name
	Version      string // serverInfo.version
	Logger       *slog.Logger
}

// Gateway is an http.Handler serving one JSON-RPC call per POST. It holds no
// per-call state.
type Gateway struct {
	reg      *registry.Registry
	verifier *auth.Verifier
	origins  auth.OriginPolicy
	maxBody  int64
	name     string
	version  string
	logger   *slog.Logger
}

// New returns a Gateway dispatching to reg.
func New(reg *registry.Registry, opts Options) (*Gateway, error) {
	if reg == nil {
		return nil, errors.New("gateway: registry is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("gateway: bearer verifier is required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Name == "" {
		opts.Name = "toolgate"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		reg:      reg,
		verifier: opts.Verifier,
		origins:  opts.Origins,
		maxBody:  opts.MaxBodyBytes,
		name:     opts.Name,
		version:  opts.Version,
		logger:   opts.Logger,
	}, nil
}

// ServeHTTP applies the origin and bearer gates, then handles the body.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !g.origins.Allow(origin) {
		g.logger.Warn("gateway: forbidden origin", "origin", origin, "remote_addr", r.RemoteAddr)
		writeStatus(w, http.StatusForbidden, "Forbidden origin")
		return
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !g.verifier.VerifyRequest(r) {
		g.logger.Warn("gateway: unauthorized", "remote_addr", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeStatus(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeStatus(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeStatus(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	ctx := r.Context()
	id := ctxutil.RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	ctx = ctxutil.WithCallMeta(ctx, ctxutil.CallMeta{
		RequestID:  id,
		Transport:  "http",
		RemoteAddr: r.RemoteAddr,
	})

	resp, ok := g.Handle(ctx, body)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(resp)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

type statusBody struct {
	Error statusError `json:"error"`
}

type statusError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeStatus writes a transport-level rejection. These are not JSON-RPC
// responses; no id is known yet.
func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(statusBody{Error: statusError{Code: status, Message: msg}})
}
