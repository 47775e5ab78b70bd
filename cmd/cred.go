package cmd

import (
	"fmt"
	"os"

	"github.com/gitrepublic/gitd/cmd/credcmd"
	"github.com/spf13/cobra"
)

// credCmd implements git's credential helper protocol. Only `get`
// produces output; `store` and `erase` succeed silently because the
// credentials are signed per request and never cached.
var credCmd = &cobra.Command{
	Use:   "cred [get|store|erase]",
	Short: "Run the Nostr git credential helper",
	Run: func(cmd *cobra.Command, args []string) {
		op := ""
		if len(args) > 0 {
			op = args[len(args)-1]
		}
		if op != "get" {
			return
		}

		err := credcmd.GetCmd(&credcmd.GetArgs{
			RemoteURL: func() (string, error) {
				return credcmd.RemoteURL(cfg.Node.GitBinPath)
			},
			Stdin:  os.Stdin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "gitd cred: %s\n", err)
			os.Exit(1)
		}
	},
}
