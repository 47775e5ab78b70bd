package server

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gitrepublic/gitd/params"
	"github.com/pkg/errors"
)

// passthroughEnv is the only process environment the backend inherits
var passthroughEnv = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TZ"}

// contentTypeFor picks the outbound Content-Type per service and path
func contentTypeFor(method, gitPath, svc string) string {
	if gitPath == "/info/refs" {
		switch svc {
		case "git-upload-pack":
			return "application/x-git-upload-pack-advertisement"
		case "git-receive-pack":
			return "application/x-git-receive-pack-advertisement"
		default:
			return "text/plain; charset=utf-8"
		}
	}
	if method == "POST" {
		switch {
		case strings.HasSuffix(gitPath, "git-upload-pack"):
			return "application/x-git-upload-pack-result"
		case strings.HasSuffix(gitPath, "git-receive-pack"):
			return "application/x-git-receive-pack-result"
		}
	}
	return "text/plain; charset=utf-8"
}

// backendEnv builds the whitelisted CGI environment
func (sv *Server) backendEnv(req *RequestContext) []string {
	var env []string
	for _, name := range passthroughEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	env = append(env,
		"GIT_PROJECT_ROOT="+req.Repo.OwnerDir(),
		"GIT_HTTP_EXPORT_ALL=1",
		"REQUEST_METHOD="+req.R.Method,
		"PATH_INFO=/"+req.RepoName+".git"+req.GitPath,
		"QUERY_STRING="+req.R.URL.RawQuery,
		"CONTENT_TYPE="+req.R.Header.Get("Content-Type"),
		"CONTENT_LENGTH="+strconv.Itoa(len(req.Body)),
		"HTTP_USER_AGENT="+req.R.Header.Get("User-Agent"),
	)
	if auth := req.R.Header.Get("Authorization"); auth != "" {
		env = append(env, "HTTP_AUTHORIZATION="+auth)
	}
	if req.DenyNonFF {
		env = append(env, "GIT_CONFIG_PARAMETERS='receive.denyNonFastForwards=true'")
	}
	return env
}

// runBackend invokes git http-backend, strips the CGI response headers
// and forwards the protocol payload. A backend that outlives its
// budget is terminated and answered with 504.
func (sv *Server) runBackend(req *RequestContext, svc string) error {
	cmd := exec.Command(sv.cfg.Node.GitBinPath, "http-backend")
	cmd.Dir = req.Repo.Path
	cmd.Env = sv.backendEnv(req)
	cmd.Stdin = bytes.NewReader(req.Body)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		http.Error(req.W, "backend failure", http.StatusInternalServerError)
		return errors.Wrap(err, "failed to start backend")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(params.BackendTimeout):
		cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(params.BackendKillGrace):
			cmd.Process.Kill()
			<-done
		}
		http.Error(req.W, "backend timed out", http.StatusGatewayTimeout)
		return fmt.Errorf("backend timed out after %s", params.BackendTimeout)
	}

	body, cgiType := stripCGIHeaders(stdout.Bytes())
	if waitErr != nil && len(body) == 0 {
		sv.log.Error("Backend failed", "Repo", req.RepoName, "Err", strings.TrimSpace(stderr.String()))
		http.Error(req.W, "backend failure", http.StatusInternalServerError)
		return errors.Wrap(waitErr, "backend failed")
	}

	contentType := cgiType
	if contentType == "" {
		contentType = contentTypeFor(req.R.Method, req.GitPath, svc)
	}
	req.W.Header().Set("Content-Type", contentType)
	if req.GitPath == "/info/refs" && svc != "" {
		hdrNoCache(req.W)
	}
	req.W.WriteHeader(http.StatusOK)
	req.W.Write(body)
	return nil
}

// stripCGIHeaders splits a CGI response into its payload and the
// Content-Type the backend declared. The header block ends at the
// first blank line, CRLF or LF delimited.
func stripCGIHeaders(out []byte) ([]byte, string) {
	var headerBlock, body []byte
	if i := bytes.Index(out, []byte("\r\n\r\n")); i > -1 {
		headerBlock, body = out[:i], out[i+4:]
	} else if i := bytes.Index(out, []byte("\n\n")); i > -1 {
		headerBlock, body = out[:i], out[i+2:]
	} else {
		return out, ""
	}

	var contentType string
	for _, line := range strings.Split(string(headerBlock), "\n") {
		line = strings.TrimRight(line, "\r")
		if v, ok := cutHeader(line, "Content-Type"); ok {
			contentType = v
		}
	}
	return body, contentType
}

func cutHeader(line, name string) (string, bool) {
	if len(line) <= len(name) || !strings.EqualFold(line[:len(name)], name) || line[len(name)] != ':' {
		return "", false
	}
	return strings.TrimSpace(line[len(name)+1:]), true
}

// hdrNoCache marks service advertisements uncacheable
func hdrNoCache(w http.ResponseWriter) {
	w.Header().Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
}
