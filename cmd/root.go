package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/pkgs/logger"
	rr "github.com/gitrepublic/gitd/remote/repo"
	"github.com/gitrepublic/gitd/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
)

var (
	log logger.Logger

	// cfg is the application config
	cfg = config.GetConfig()

	// interrupt is closed when the process receives SIGINT/SIGTERM
	interrupt = util.Interrupt(make(chan struct{}))
)

// Execute the root command or one of the fallbacks when the command is
// unknown. A binary named git-credential-* (typically a symlink) acts
// as the credential helper directly so that
// `git config credential.helper nostr` works without a subcommand.
func Execute() {
	if strings.HasPrefix(filepath.Base(os.Args[0]), "git-credential-") {
		RootCmd.PersistentPreRun(credCmd, os.Args)
		credCmd.Run(credCmd, os.Args[1:])
		return
	}

	// When the command is unknown, run the root command PersistentPreRun
	// then run the fallback command
	_, _, err := RootCmd.Find(os.Args[1:])
	if err != nil && strings.Contains(err.Error(), "unknown command") {
		RootCmd.PersistentPreRun(fallbackCmd, os.Args)
		fallbackCmd.Run(&cobra.Command{}, os.Args)
		return
	}

	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// RootCmd represents the base command when called without any sub-commands
var RootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Gitd hosts git repositories whose access control lives on Nostr relays",
	Long: `Gitd is a git Smart-HTTP server that derives repository namespaces,
ownership, maintainer sets and branch protection from signed Nostr
events instead of a local account database. Pushes are authenticated
with NIP-98 request signatures through the bundled credential helper.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Run the pre-run routine for every command but the bare root
		preRunIgnoreList := []string{cmd.Root().Name()}
		if !funk.ContainsString(preRunIgnoreList, cmd.CalledAs()) {
			preRun(cmd)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func preRun(cmd *cobra.Command) {
	config.Configure(cfg, &interrupt)
	log = cfg.G().Log

	// Only the server needs the git binary preflight. The credential
	// helper in particular runs inside git invocations and must stay
	// quick and quiet.
	if !funk.ContainsString([]string{"start"}, cmd.CalledAs()) {
		return
	}

	if err := rr.CheckGitVersion(cfg.Node.GitBinPath); err != nil {
		log.Fatal(color.YellowString("Git executable check failed: %s. "+
			"If git is installed elsewhere, provide its location using --gitpath, "+
			"otherwise visit https://git-scm.com/downloads to install it.", err))
	}
}

// fallbackCmd is called any time an unknown command is executed
var fallbackCmd = &cobra.Command{
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print("Unknown command. Use --help to see commands.\n")
		os.Exit(1)
	},
}

func init() {
	RootCmd.Flags().SortFlags = false
	RootCmd.AddCommand(
		fallbackCmd,
		startCmd,
		credCmd,
		versionCmd,
	)

	RootCmd.PersistentFlags().String("home", "", "Set the path to the home directory")
	RootCmd.PersistentFlags().Bool("dev", false, "Enable development mode")
	RootCmd.PersistentFlags().Bool("no-log", false, "Disable loggers")
	RootCmd.PersistentFlags().String("gitpath", "git", "Set the path to the git executable")
	viper.BindPFlag("home", RootCmd.PersistentFlags().Lookup("home"))
	viper.BindPFlag("dev", RootCmd.PersistentFlags().Lookup("dev"))
	viper.BindPFlag("no-log", RootCmd.PersistentFlags().Lookup("no-log"))
	viper.BindPFlag("node.gitpath", RootCmd.PersistentFlags().Lookup("gitpath"))
}
