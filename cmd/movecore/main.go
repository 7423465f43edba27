// Command movecore runs the authoritative movement server and its offline
// replay tooling.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI is the command tree parsed by kong.
type CLI struct {
	Debug bool `help:"Force debug logging regardless of MOVECORE_LOG_LEVEL."`

	Serve       ServeCmd       `cmd:"" default:"1" help:"Run the tick server with its websocket, gRPC and ops listeners."`
	ReplayCheck ReplayCheckCmd `cmd:"" name:"replay-check" help:"Re-simulate a replay bundle and report the first divergence."`
	ReplayList  ReplayListCmd  `cmd:"" name:"replay-list" help:"List the replay bundles under a directory as JSON."`
	MapInfo     MapInfoCmd     `cmd:"" name:"map-info" help:"Validate a map file and print its expanded geometry counts."`
}

// Globals are shared with every command's Run method.
type Globals struct {
	Debug bool
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("movecore"),
		kong.Description("deterministic movement and collision server"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err := ctx.Run(&Globals{Debug: cli.Debug}); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
