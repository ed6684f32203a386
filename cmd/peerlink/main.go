// Peerlink CLI entry point.
//
// Two peers meet through a WebSocket signaling endpoint, open a WebRTC
// DataChannel, agree on clock offset and chunk size, then exchange files and
// chat lines. After signaling no server is involved.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -wsPort, -wsListen, -wsUrl, -discover, -id, -out, -send).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	// CLI flags.
	role := flag.String("role", "", "Role: host or client")
	wsPortFlag := flag.Int("wsPort", 0, "WebSocket signaling port (host only)")
	wsListenFlag := flag.Bool("wsListen", false, "Listen on all network interfaces (host only, for LAN access)")
	wsURLFlag := flag.String("wsUrl", "", "Endpoint URL including ?id= (client only)")
	idFlag := flag.String("id", "", "Endpoint ID to look for with -discover (client only)")
	flag.BoolVar(&cfg.Discover, "discover", false, "Advertise (host) or browse for (client) the endpoint over mDNS")
	flag.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "Directory for received files")
	flag.StringVar(&cfg.SendPath, "send", "", "File to send as soon as the session is ready")
	flag.BoolVar(&cfg.Tuning.VerifySize, "verify", cfg.Tuning.VerifySize, "Report received files whose size differs from the announced size")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}
	if err := cfg.Tuning.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Peerlink — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg)

	case "host":
		cfg.Role = config.RoleHost
		switch {
		case *wsListenFlag:
			cfg.WSAddr = fmt.Sprintf(":%d", *wsPortFlag)
		case *wsPortFlag > 0:
			cfg.WSAddr = fmt.Sprintf("127.0.0.1:%d", *wsPortFlag)
		default:
			cfg.WSAddr = ":0"
		}
		runHost(ctx, cfg)

	case "client":
		cfg.Role = config.RoleClient
		switch {
		case *wsURLFlag != "":
			wsURL, err := normalizeWSURL(*wsURLFlag)
			if err != nil {
				util.LogError("%v", err)
				os.Exit(1)
			}
			cfg.WSURL = wsURL
		case cfg.Discover:
			cfg.WSURL = discover(ctx, *idFlag)
		default:
			util.LogError("missing -wsUrl (or -discover) for client role")
			os.Exit(1)
		}
		runClient(ctx, cfg)

	default:
		util.LogError("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	util.LogInfo("successfully closed peer session")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and connection details when no -role
// flag is provided.
func runInteractive(ctx context.Context, cfg config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Open an endpoint and wait", "Client — Connect to an endpoint"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
		cfg.WSAddr = ":0"
		runHost(ctx, cfg)
	} else {
		cfg.Role = config.RoleClient
		cfg.WSURL = askURL()
		runClient(ctx, cfg)
	}
}

// runHost serves one peer at a time. When a session ends the endpoint ID is
// rerolled, so the previous peer's URL stops working.
func runHost(ctx context.Context, cfg config.Config) {
	ep, err := signaling.Listen(ctx, cfg.WSAddr)
	if err != nil {
		util.LogError("failed to open endpoint: %v", err)
		os.Exit(1)
	}
	defer ep.Close()

	var ad *signaling.Advertisement
	if cfg.Discover {
		if ad, err = signaling.Advertise(ep); err != nil {
			util.LogWarning("LAN discovery unavailable: %v", err)
		} else {
			defer ad.Stop()
		}
	}

	util.StartStatsReporter(ctx)

	for {
		signaling.PrintEndpoint(ep)
		util.LogInfo("waiting for a peer...")

		tr, err := ep.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			util.LogError("failed to establish channel: %v", err)
			os.Exit(1)
		}

		if err := runSession(ctx, tr, cfg); err != nil {
			util.LogError("%v", err)
		}
		if ctx.Err() != nil {
			return
		}

		id := ep.Reroll()
		if ad != nil {
			ad.Update(id)
		}
		util.LogInfo("endpoint rerolled")
	}
}

// runClient dials the endpoint and runs a single session.
func runClient(ctx context.Context, cfg config.Config) {
	tr, err := signaling.Dial(ctx, cfg.WSURL)
	if err != nil {
		util.LogError("failed to establish channel: %v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)

	if err := runSession(ctx, tr, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// discover browses the LAN for an endpoint, giving up after a while.
func discover(ctx context.Context, id string) string {
	spinner, _ := pterm.DefaultSpinner.Start("looking for an endpoint on the local network")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	wsURL, err := signaling.Browse(ctx, id)
	if err != nil {
		spinner.Fail("no endpoint found")
		util.LogError("%v", err)
		os.Exit(1)
	}
	spinner.Success("found " + wsURL)
	return wsURL
}

// normalizeWSURL validates a raw endpoint URL and keeps only its id query.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	id := u.Query().Get("id")
	if id == "" {
		return "", fmt.Errorf("URL has no ?id= endpoint identifier: %s", raw)
	}

	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	out := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws", RawQuery: url.Values{"id": {id}}.Encode()}
	return out.String(), nil
}

// askURL prompts the user for a valid endpoint URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Endpoint URL (e.g. wss://***.asse.devtunnels.ms/ws?id=...)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: %v", err)
	}
}
