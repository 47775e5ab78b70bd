package server

import (
	"context"
	"net/url"
	"os/exec"
	"strings"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/params"
	"github.com/gitrepublic/gitd/remote/repo"
	"github.com/thoas/go-funk"
)

// mirrorWorker consumes post-receive events and pushes to the
// announcement's remaining clone URLs in the background. Failures are
// logged, never surfaced to the pusher.
func (sv *Server) mirrorWorker() {
	for evt := range sv.cfg.G().Bus.On(config.EvtPushReceived) {
		if len(evt.Args) < 2 {
			continue
		}
		ownerNpub, _ := evt.Args[0].(string)
		repoName, _ := evt.Args[1].(string)
		if ownerNpub == "" || repoName == "" {
			continue
		}
		go sv.mirrorPush(ownerNpub, repoName)
	}
}

// mirrorTargets extracts the announcement's clone URLs minus every URL
// that points back at this gateway.
func (sv *Server) mirrorTargets(ctx context.Context, ownerHex, repoName string) []string {
	ann, err := sv.resolver.Announcement(ctx, ownerHex, repoName)
	if err != nil || ann == nil {
		return nil
	}
	local := sv.localHosts()
	return funk.FilterString(ann.CloneURLs(), func(raw string) bool {
		u, err := url.Parse(raw)
		if err != nil {
			return false
		}
		return !funk.ContainsString(local, u.Hostname())
	})
}

func (sv *Server) mirrorPush(ownerNpub, repoName string) {
	r, err := repo.GetByNpub(sv.cfg, ownerNpub, repoName)
	if err != nil {
		sv.log.Debug("Mirror skipped; repository unavailable", "Repo", repoName, "Err", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), params.MirrorPushTimeout)
	defer cancel()

	for _, target := range sv.mirrorTargets(ctx, r.OwnerHex, repoName) {
		cmd := exec.CommandContext(ctx, sv.cfg.Node.GitBinPath, "push", "--mirror", target)
		cmd.Dir = r.Path
		if out, err := cmd.CombinedOutput(); err != nil {
			sv.log.Debug("Mirror push failed", "Repo", repoName, "Target", target,
				"Err", strings.TrimSpace(string(out)))
			continue
		}
		sv.log.Debug("Mirror push ok", "Repo", repoName, "Target", target)
	}
}
