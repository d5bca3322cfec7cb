package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"
)

func main() {
	loadEnv()

	serveCmd := newServeCmd()
	root := &cobra.Command{
		Use:   "meetsync",
		Short: "Meeting signaling coordinator",
		Long: `meetsync relays WebRTC negotiation messages, presence and chat between
participants of a meeting room. Without a subcommand it runs the server.`,
		RunE:          serveCmd.RunE,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().AddFlagSet(serveCmd.Flags())
	root.AddCommand(serveCmd, newMeetingCmd(), newTokenCmd(), newProbeCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("%v", err)
	}
}
