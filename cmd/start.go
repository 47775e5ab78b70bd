package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitrepublic/gitd/nostr/cache"
	"github.com/gitrepublic/gitd/nostr/client"
	"github.com/gitrepublic/gitd/remote/policy"
	rr "github.com/gitrepublic/gitd/remote/repo"
	"github.com/gitrepublic/gitd/remote/server"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// start wires the relay client, event cache, policy resolver and the
// gateway together and blocks until the process is interrupted.
func start() {
	log.Info("Starting gitd", "Version", cfg.VersionInfo.BuildVersion,
		"DataDir", cfg.DataDir(), "RepoRoot", cfg.GetRepoRoot())

	if !rr.SupportsOrphanWorktree(cfg.Node.GitBinPath) {
		log.Warn("Git does not support orphan worktrees; empty repositories " +
			"will be bootstrapped through a fallback path")
	}

	cl := client.New(cfg, nil)
	evCache, err := cache.New(cfg, func(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
		return cl.Fetch(ctx, filters)
	})
	if err != nil {
		log.Fatal("Failed to open event cache", "Err", err)
	}
	cl.SetDeleter(evCache)

	resolver := policy.NewResolver(cfg, evCache)
	sv := server.New(cfg, resolver)

	go func() {
		if err := sv.Start(); err != nil {
			log.Fatal("Gateway stopped unexpectedly", "Err", err)
		}
	}()

	cfg.G().Interrupt.Wait()
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sv.Shutdown(ctx); err != nil {
		log.Error("Gateway shutdown was not clean", "Err", err)
	}
	resolver.Stop()
	evCache.Stop()
	cl.Stop()
}

func listenForInterrupt() {
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		interrupt.Close()
	}()
}

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch the git hosting gateway",
	Run: func(cmd *cobra.Command, args []string) {
		log = cfg.G().Log.Module("main")
		listenForInterrupt()
		start()
	},
}

func init() {
	startCmd.Flags().String("address", "", "Set the gateway listening address")
	startCmd.Flags().String("domain", "", "Set the public domain used in signed request URLs")
	startCmd.Flags().String("repo-root", "", "Set the repository root directory")
	startCmd.Flags().StringSlice("relays", nil, "Set the default relay URLs")
	viper.BindPFlag("remote.address", startCmd.Flags().Lookup("address"))
	viper.BindPFlag("remote.domain", startCmd.Flags().Lookup("domain"))
	viper.BindPFlag("repo.root", startCmd.Flags().Lookup("repo-root"))
	viper.BindPFlag("relay.relays", startCmd.Flags().Lookup("relays"))
}
