package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gitrepublic/gitd/nostr/nip98"
	"github.com/gitrepublic/gitd/remote/push"
	errors2 "github.com/gitrepublic/gitd/util/errors"
)

// wwwAuthenticate is sent with every 401. Without it git clients will
// not invoke the credential helper on retry.
const wwwAuthenticate = `Basic realm="GitRepublic"`

const helperInstallBody = `Authentication required.

Pushes are authorized with a Nostr key through the git credential
helper. To install it:

  git config --global credential.helper nostr

then export your key in one of NOSTRGIT_SECRET_KEY_CLIENT,
NOSTRGIT_SECRET_KEY, NOSTR_PRIVATE_KEY or NSEC and push again.
`

// writeUnauthorized sends the 401 challenge
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", wwwAuthenticate)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	if msg == "" {
		msg = helperInstallBody
	}
	w.Write([]byte(errors2.Sanitize(msg)))
}

// authenticate verifies the NIP-98 authorization on the request and
// records the actor. When required is true a missing or invalid header
// ends the request with 401.
func (sv *Server) authenticate(req *RequestContext, required bool) bool {
	header := req.R.Header.Get("Authorization")
	if header == "" {
		if required {
			writeUnauthorized(req.W, "")
		}
		return !required
	}

	pk, err := nip98.Verify(header, sv.expectedURL(req.R), req.R.Method, req.Body)
	if err != nil {
		if required {
			writeUnauthorized(req.W, fmt.Sprintf("authorization rejected: %s\n", nip98.ReasonOf(err)))
		}
		return !required
	}
	req.Actor = pk
	return true
}

// authenticateAdvert verifies the authorization on a receive-pack ref
// advertisement. Credential helpers sign the git-receive-pack POST the
// advertisement leads to, not the GET that triggered the credential
// prompt, so both bindings are accepted.
func (sv *Server) authenticateAdvert(req *RequestContext) bool {
	header := req.R.Header.Get("Authorization")
	if header == "" {
		writeUnauthorized(req.W, "")
		return false
	}

	pk, err := nip98.Verify(header, sv.expectedURL(req.R), req.R.Method, req.Body)
	if err != nil {
		pk, err = nip98.Verify(header, sv.receivePackURL(req.R), "POST", nil)
	}
	if err != nil {
		writeUnauthorized(req.W, fmt.Sprintf("authorization rejected: %s\n", nip98.ReasonOf(err)))
		return false
	}
	req.Actor = pk
	return true
}

// checkViewAccess gates reads on private repositories. Public
// repositories pass untouched; private ones require an authenticated
// owner or maintainer.
func (sv *Server) checkViewAccess(req *RequestContext) bool {
	private, err := sv.resolver.IsPrivate(req.R.Context(), req.OwnerHex, req.RepoName)
	if err != nil {
		sv.log.Debug("Privacy lookup failed; treating as public", "Repo", req.RepoName, "Err", err.Error())
		return true
	}
	if !private {
		return true
	}

	if req.R.Header.Get("Authorization") == "" {
		writeUnauthorized(req.W, "")
		return false
	}
	if !sv.authenticate(req, true) {
		return false
	}
	ok, err := sv.resolver.CanView(req.R.Context(), req.Actor, req.OwnerHex, req.RepoName)
	if err != nil || !ok {
		sv.writeForbidden(req, "read access to this repository is restricted")
		return false
	}
	return true
}

// authorizePush requires the authenticated actor to be the current
// owner or a maintainer.
func (sv *Server) authorizePush(req *RequestContext) bool {
	ctx := req.R.Context()
	owner, err := sv.resolver.CurrentOwner(ctx, req.OwnerHex, req.RepoName)
	if err != nil {
		http.Error(req.W, "authorization lookup failed", http.StatusInternalServerError)
		return false
	}
	if req.Actor == owner {
		return true
	}
	isMaintainer, err := sv.resolver.IsMaintainer(ctx, req.Actor, req.OwnerHex, req.RepoName)
	if err != nil {
		http.Error(req.W, "authorization lookup failed", http.StatusInternalServerError)
		return false
	}
	if isMaintainer {
		return true
	}
	sv.writeForbidden(req, "push access requires the repository owner or a maintainer")
	return false
}

// enforceBranchProtection applies per-branch policy to every branch
// the push touches.
func (sv *Server) enforceBranchProtection(req *RequestContext, updates []*push.RefUpdate) bool {
	ctx := req.R.Context()
	owner, err := sv.resolver.CurrentOwner(ctx, req.OwnerHex, req.RepoName)
	if err != nil {
		http.Error(req.W, "authorization lookup failed", http.StatusInternalServerError)
		return false
	}
	isMaintainer := false
	if req.Actor != owner {
		isMaintainer, err = sv.resolver.IsMaintainer(ctx, req.Actor, req.OwnerHex, req.RepoName)
		if err != nil {
			http.Error(req.W, "authorization lookup failed", http.StatusInternalServerError)
			return false
		}
	}

	for _, u := range updates {
		var ok bool
		if u.IsDelete() {
			ok, err = sv.resolver.CanDeleteBranch(ctx, req.Actor, req.OwnerHex, req.RepoName, u.Branch, isMaintainer)
		} else {
			// A rewind to a commit the repository already has is
			// detectable here; a rewrite shipping new commits is only
			// decidable once the pack arrives, so the backend is told
			// to refuse non-fast-forward updates in that case.
			force := !u.IsCreate() && req.Repo.IsNonFastForward(u.OldHash, u.NewHash)
			ok, err = sv.resolver.CanPushToBranch(ctx, req.Actor, req.OwnerHex, req.RepoName, u.Branch, isMaintainer, force)
			if err == nil && ok && !force && req.Actor != owner {
				pol, perr := sv.resolver.BranchProtection(ctx, req.OwnerHex, req.RepoName, u.Branch)
				if perr == nil && pol != nil && !pol.AllowForcePush {
					req.DenyNonFF = true
				}
			}
		}
		if err != nil {
			http.Error(req.W, "authorization lookup failed", http.StatusInternalServerError)
			return false
		}
		if !ok {
			sv.writeForbidden(req, fmt.Sprintf("branch %q is protected", u.Branch))
			return false
		}
	}
	return true
}

// writeForbidden sends the plain-text 403 naming the owner and
// maintainers and how to proceed.
func (sv *Server) writeForbidden(req *RequestContext, why string) {
	ctx := req.R.Context()

	var b strings.Builder
	fmt.Fprintf(&b, "Access denied: %s.\n\n", why)

	owner, err := sv.resolver.CurrentOwner(ctx, req.OwnerHex, req.RepoName)
	if err == nil {
		fmt.Fprintf(&b, "Repository owner: %s\n", npubPrefix(owner))
	}
	maintainers, err := sv.resolver.Maintainers(ctx, req.OwnerHex, req.RepoName)
	if err == nil && len(maintainers) > 0 {
		b.WriteString("Maintainers:\n")
		for _, m := range maintainers {
			fmt.Fprintf(&b, "  %s\n", npubPrefix(m))
		}
	}
	b.WriteString("\nAsk the owner to add your key to the maintainer set, or push\nwith an authorized key.\n")

	req.W.Header().Set("Content-Type", "text/plain; charset=utf-8")
	req.W.WriteHeader(http.StatusForbidden)
	req.W.Write([]byte(errors2.Sanitize(b.String())))
}
