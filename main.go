package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/relaychat/internal/app"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	version     = flag.Bool("version", false, "Show version")
	openBrowser = flag.Bool("open", false, "Open the viewer in the default browser (client only)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("relaychat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	var run func(context.Context, app.Options) error
	switch args[0] {
	case "client":
		run = app.RunClient
	case "relay":
		run = app.RunRelay
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}

	opts, err := app.LoadConfig(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	opts.OpenBrowser = *openBrowser

	printBanner(args[0], opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", args[0], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("relaychat - chat timeline and 1:1 calls over a shared relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  relaychat client <directory>   Run a chat peer")
	fmt.Println("  relaychat relay <directory>    Run the relay server")
	fmt.Println()
	fmt.Println("The directory holds relaychat.json (created with defaults when")
	fmt.Println("missing) and an optional .env file with RELAYCHAT_* overrides.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -open     Open the viewer in the browser once it is up")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  relaychat relay ./relay")
	fmt.Println("  relaychat -open client ./peers/alice")
}

func printBanner(cmd string, o app.Options) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                       relaychat                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:   %s\n", o.Dir)
	fmt.Printf("Config File: %s\n", o.CfgPath)
	fmt.Println()

	switch cmd {
	case "relay":
		fmt.Printf("Relay:       ws://%s/ws\n", o.Cfg.Server.Addr())
		fmt.Printf("History:     %s\n", o.Cfg.Server.History)
	case "client":
		if o.Cfg.Identity.Label != "" {
			fmt.Printf("Label:       %s\n", o.Cfg.Identity.Label)
		}
		fmt.Printf("Relay:       %s\n", o.Cfg.Relay.URL)
		if o.Cfg.Viewer.HTTPAddr != "" {
			_, url := app.NormalizeLocalViewer(o.Cfg.Viewer.HTTPAddr)
			fmt.Printf("Viewer:      %s\n", url)
		}
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
