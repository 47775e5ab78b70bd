// Package credcmd implements the git credential helper that answers
// git's credential queries with a signed NIP-98 authorization event
// instead of a stored password.
package credcmd

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/gitrepublic/gitd/nostr/nip98"
	"github.com/gitrepublic/gitd/nostr/signer"
	"github.com/gitrepublic/gitd/remote/repo"
	"github.com/pkg/errors"
)

// keyEnvVars is the precedence order in which the signing key is read
// from the environment. The first set variable wins.
var keyEnvVars = []string{
	"NOSTRGIT_SECRET_KEY_CLIENT",
	"NOSTRGIT_SECRET_KEY",
	"NOSTR_PRIVATE_KEY",
	"NSEC",
}

// GetArgs contains parameters for GetCmd
type GetArgs struct {

	// KeyFromEnv returns the private key material. Default reads the
	// keyEnvVars precedence list.
	KeyFromEnv func() string

	// RemoteURL recovers the URL of the local repository's remote; used
	// when git supplies wwwauth[] attributes without a path.
	RemoteURL func() (string, error)

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// KeyFromEnv returns the first signing key set in the environment
func KeyFromEnv() string {
	for _, name := range keyEnvVars {
		if v := os.Getenv(name); strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// RemoteURL reads the origin remote of the repository at the working
// directory.
func RemoteURL(gitBinPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	out, err := repo.ExecGitCmd(gitBinPath, wd, "config", "--get", "remote.origin.url")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// attributes holds one parsed credential-protocol request
type attributes struct {
	kv      map[string]string
	wwwauth bool
}

// readAttributes parses git's key=value credential protocol lines up to
// the terminating blank line.
func readAttributes(r io.Reader) *attributes {
	attrs := &attributes{kv: map[string]string{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if k == "wwwauth[]" {
			attrs.wwwauth = true
			continue
		}
		attrs.kv[k] = v
	}
	return attrs
}

// targetURL reconstructs the request URL the helper must sign for
func targetURL(attrs *attributes, remoteURL func() (string, error)) (string, error) {
	if u := attrs.kv["url"]; u != "" {
		return u, nil
	}

	proto := attrs.kv["protocol"]
	host := attrs.kv["host"]
	if proto == "" || host == "" {
		return "", errors.New("incomplete credential request")
	}

	path := attrs.kv["path"]
	if path == "" && attrs.wwwauth && remoteURL != nil {
		// Newer gits send wwwauth[] without a path; the pushed-to URL
		// is recoverable from the local remote.
		remote, err := remoteURL()
		if err == nil {
			if ru, err := url.Parse(remote); err == nil && ru.Host == host {
				path = strings.TrimPrefix(ru.Path, "/")
			}
		}
	}

	u := proto + "://" + host
	if path != "" {
		u += "/" + strings.TrimPrefix(path, "/")
	}
	if q := attrs.kv["query"]; q != "" {
		u += "?" + q
	}
	return u, nil
}

// resolveRequest picks the HTTP method the signed event must commit to.
// An advertisement for git-receive-pack is rewritten to the eventual
// POST endpoint: git does not re-invoke the helper between the
// advertisement and the push itself.
func resolveRequest(rawURL string) (method, signURL string) {
	method = "GET"
	signURL = rawURL

	if strings.Contains(rawURL, "/info/refs") && strings.Contains(rawURL, "service=git-receive-pack") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return
		}
		u.Path = strings.TrimSuffix(u.Path, "/info/refs") + "/git-receive-pack"
		u.RawQuery = ""
		return "POST", u.String()
	}

	if strings.Contains(rawURL, "git-receive-pack") {
		return "POST", rawURL
	}
	return
}

// GetCmd answers a `get` request with username=nostr and a base64
// NIP-98 event as the password.
func GetCmd(args *GetArgs) error {
	if args.KeyFromEnv == nil {
		args.KeyFromEnv = KeyFromEnv
	}

	key := args.KeyFromEnv()
	if key == "" {
		return fmt.Errorf("no signing key found in environment; set one of %s",
			strings.Join(keyEnvVars, ", "))
	}

	sgn, err := signer.NewRawKey(key)
	if err != nil {
		return errors.Wrap(err, "bad signing key")
	}

	attrs := readAttributes(args.Stdin)
	rawURL, err := targetURL(attrs, args.RemoteURL)
	if err != nil {
		return err
	}

	method, signURL := resolveRequest(rawURL)
	ev, err := nip98.Build(signURL, method, nil, sgn)
	if err != nil {
		return errors.Wrap(err, "failed to sign authorization event")
	}
	header, err := nip98.EncodeHeader(ev)
	if err != nil {
		return err
	}

	fmt.Fprintf(args.Stdout, "username=nostr\npassword=%s\n", strings.TrimPrefix(header, "Nostr "))
	return nil
}
