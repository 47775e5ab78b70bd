// Package server implements the git Smart-HTTP gateway: path grammar,
// NIP-98 auth bridging, policy enforcement, the git-http-backend CGI
// bridge and post-receive mirror fan-out.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/pkgs/logger"
	"github.com/gitrepublic/gitd/remote/policy"
	"github.com/gitrepublic/gitd/remote/push"
	"github.com/gitrepublic/gitd/remote/repo"
	"github.com/gitrepublic/gitd/util/identifier"
	"github.com/pkg/errors"
)

// pathRe is the only accepted request shape:
// /<owner-npub>/<repo-name>.git[/<git-path>]
var pathRe = regexp.MustCompile(`^/(npub1[a-z0-9]+)/([A-Za-z0-9._-]{1,100})\.git(/.*)?$`)

// RequestContext carries one parsed gateway request through handlers
type RequestContext struct {
	W http.ResponseWriter
	R *http.Request

	OwnerNpub string
	OwnerHex  string
	RepoName  string
	GitPath   string
	Repo      *repo.Repo

	// Body is the fully-read request body; used for both the NIP-98
	// payload hash and the backend's stdin
	Body []byte

	// Actor is the authenticated pubkey, empty when unauthenticated
	Actor string

	// DenyNonFF makes the backend refuse non-fast-forward ref updates.
	// Set when a pushed branch forbids force pushes and the rewrite
	// cannot be ruled out before the pack arrives.
	DenyNonFF bool
}

type service struct {
	method string
	handle func(*Server, *RequestContext) error
}

var services = []struct {
	pattern *regexp.Regexp
	srv     service
}{
	{regexp.MustCompile(`^/info/refs$`), service{method: "GET", handle: (*Server).getInfoRefs}},
	{regexp.MustCompile(`^/git-upload-pack$`), service{method: "POST", handle: (*Server).serveUploadPack}},
	{regexp.MustCompile(`^/git-receive-pack$`), service{method: "POST", handle: (*Server).serveReceivePack}},
}

// Server is the gateway HTTP server
type Server struct {
	cfg      *config.AppConfig
	log      logger.Logger
	resolver *policy.Resolver
	srv      *http.Server
}

// New creates the gateway. resolver answers every authorization and
// announcement question.
func New(cfg *config.AppConfig, resolver *policy.Resolver) *Server {
	sv := &Server{
		cfg:      cfg,
		log:      cfg.G().Log.Module("gateway"),
		resolver: resolver,
	}
	go sv.mirrorWorker()
	return sv
}

// Handler returns the gateway's root HTTP handler
func (sv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", sv.handle)
	return mux
}

// Start listens on the configured address until Shutdown
func (sv *Server) Start() error {
	sv.srv = &http.Server{Addr: sv.cfg.Remote.Address, Handler: sv.Handler()}
	sv.log.Info("Gateway started", "Address", sv.cfg.Remote.Address)
	err := sv.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener
func (sv *Server) Shutdown(ctx context.Context) error {
	if sv.srv == nil {
		return nil
	}
	return sv.srv.Shutdown(ctx)
}

func (sv *Server) handle(w http.ResponseWriter, r *http.Request) {
	sv.log.Debug("New request", "Method", r.Method, "URL", r.URL.String())

	defer func() {
		if rcv := recover(); rcv != nil {
			w.WriteHeader(http.StatusInternalServerError)
			sv.log.Error("Request error", "Err", panicError(rcv).Error())
		}
	}()

	if r.URL.Path == "/" {
		sv.banner(w)
		return
	}

	m := pathRe.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.Error(w, "bad request path", http.StatusBadRequest)
		return
	}

	req := &RequestContext{
		W:         w,
		R:         r,
		OwnerNpub: m[1],
		RepoName:  m[2],
		GitPath:   m[3],
	}
	if req.GitPath == "" {
		req.GitPath = "/"
	}

	for _, s := range services {
		if !s.pattern.MatchString(req.GitPath) {
			continue
		}
		if s.srv.method != r.Method {
			writeMethodNotAllowed(w)
			return
		}
		if err := sv.prepare(req); err != nil {
			return
		}
		if err := s.srv.handle(sv, req); err != nil {
			sv.log.Error("Failed to handle request", "Path", r.URL.Path, "Err", err.Error())
		}
		return
	}

	http.Error(w, "bad request path", http.StatusBadRequest)
}

// prepare opens the repository and reads the request body. On failure
// the response has already been written.
func (sv *Server) prepare(req *RequestContext) error {
	r, err := repo.GetByNpub(sv.cfg, req.OwnerNpub, req.RepoName)
	if err != nil {
		if err == repo.ErrRepoNotFound {
			http.Error(req.W, "repository not found", http.StatusNotFound)
		} else {
			http.Error(req.W, "bad request path", http.StatusBadRequest)
		}
		return err
	}
	req.Repo = r
	req.OwnerHex = r.OwnerHex

	if req.R.Body != nil {
		body, err := io.ReadAll(req.R.Body)
		if err != nil {
			http.Error(req.W, "failed to read request body", http.StatusBadRequest)
			return errors.Wrap(err, "body read")
		}
		req.Body = body
	}
	return nil
}

// banner answers GET / with a one-line identity string
func (sv *Server) banner(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	version := sv.cfg.VersionInfo.BuildVersion
	if version == "" {
		version = "dev"
	}
	fmt.Fprintf(w, "%s %s\n", config.AppName, version)
}

// getInfoRefs serves ref advertisements. Private repositories require
// an authenticated viewer.
func (sv *Server) getInfoRefs(req *RequestContext) error {
	svc := req.R.URL.Query().Get("service")
	if svc != "" && svc != "git-upload-pack" && svc != "git-receive-pack" {
		http.Error(req.W, "unsupported service", http.StatusBadRequest)
		return nil
	}

	// Receive-pack advertisement requires auth like the push itself;
	// upload-pack only when the repository is private.
	if svc == "git-receive-pack" {
		if !sv.authenticateAdvert(req) {
			return nil
		}
	} else if !sv.checkViewAccess(req) {
		return nil
	}

	return sv.runBackend(req, svc)
}

// serveUploadPack serves fetches
func (sv *Server) serveUploadPack(req *RequestContext) error {
	if !sv.checkViewAccess(req) {
		return nil
	}
	return sv.runBackend(req, "")
}

// serveReceivePack authenticates and authorizes a push, then hands the
// body to the backend and fires the post-receive fan-out.
func (sv *Server) serveReceivePack(req *RequestContext) error {
	if !sv.authenticate(req, true) {
		return nil
	}
	if !sv.authorizePush(req) {
		return nil
	}

	updates, err := push.ParsePreamble(req.Body)
	if err != nil {
		http.Error(req.W, "bad receive-pack request", http.StatusBadRequest)
		return nil
	}
	if !sv.enforceBranchProtection(req, updates) {
		return nil
	}

	if err := req.Repo.EnsureReceivePack(); err != nil {
		http.Error(req.W, "backend failure", http.StatusInternalServerError)
		return err
	}
	if err := sv.runBackend(req, ""); err != nil {
		return err
	}

	branches := push.Branches(updates)
	sv.cfg.G().Bus.Emit(config.EvtPushReceived, req.OwnerNpub, req.RepoName, branches)
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	w.WriteHeader(http.StatusMethodNotAllowed)
	w.Write([]byte("method not allowed"))
}

// localHosts returns the hostnames this gateway answers under; mirror
// fan-out skips clone URLs naming any of them.
func (sv *Server) localHosts() []string {
	hosts := []string{sv.cfg.Remote.Domain}
	if sv.cfg.Tor.Enabled && sv.cfg.Tor.OnionAddress != "" {
		hosts = append(hosts, sv.cfg.Tor.OnionAddress)
	}
	return hosts
}

// expectedURL reconstructs the public URL a NIP-98 event must commit to
func (sv *Server) expectedURL(r *http.Request) string {
	u := fmt.Sprintf("%s://%s%s", sv.cfg.Remote.Scheme, sv.cfg.Remote.Domain, r.URL.Path)
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// receivePackURL is the git-receive-pack endpoint an info/refs
// advertisement leads to
func (sv *Server) receivePackURL(r *http.Request) string {
	path := strings.TrimSuffix(r.URL.Path, "/info/refs") + "/git-receive-pack"
	return fmt.Sprintf("%s://%s%s", sv.cfg.Remote.Scheme, sv.cfg.Remote.Domain, path)
}

// panicError turns a recovered panic value into an error
func panicError(rcv interface{}) error {
	if err, ok := rcv.(error); ok {
		return err
	}
	return errors.Errorf("%v", rcv)
}

// npubPrefix renders a short npub identifier for 403 bodies
func npubPrefix(pkHex string) string {
	npub, err := identifier.EncodeNpub(pkHex)
	if err != nil {
		return "unknown"
	}
	if len(npub) > 16 {
		return npub[:16] + "..."
	}
	return npub
}
