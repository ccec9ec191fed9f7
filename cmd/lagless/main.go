// Lagless CLI entry point.
//
// This tool runs a remote shell whose screen is synchronized to the client
// as versioned state over an unreliable datagram link (plain UDP, or a
// WebRTC DataChannel after WebSocket signaling). Keystrokes are echoed
// locally before the host confirms them.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -transport, -addr, -wsPort, -wsUrl, -pin, -command).
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/lagless/internal/app"
	"github.com/1ureka/lagless/internal/config"
	"github.com/1ureka/lagless/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tuning, err := config.LoadTuning()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// CLI flags.
	role := flag.String("role", "", "Role: host or client")
	transportFlag := flag.String("transport", "udp", "Transport: udp or webrtc")
	addrFlag := flag.String("addr", "", "UDP listen address (host) or host address (client)")
	wsPortFlag := flag.Int("wsPort", 0, "WebSocket signaling server port (webrtc host only)")
	wsURLFlag := flag.String("wsUrl", "", "WebSocket URL to connect to (webrtc client only)")
	pinFlag := flag.String("pin", "", "Shared PIN; generated by the host when empty")
	commandFlag := flag.String("command", "", "Command to run on the host (default: $SHELL)")
	metricsFlag := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Lagless — v%s", version))
	pterm.Println()

	cfg := config.Config{
		Transport:   config.TransportKind(*transportFlag),
		PIN:         *pinFlag,
		Command:     *commandFlag,
		MetricsAddr: *metricsFlag,
		Debug:       *debugMode,
	}
	if cfg.Transport != config.TransportUDP && cfg.Transport != config.TransportWebRTC {
		util.LogError("invalid -transport: must be 'udp' or 'webrtc'")
		os.Exit(1)
	}

	switch *role {
	case "":
		// No -role flag → interactive mode.
		cfg = runInteractive(cfg, tuning)

	case "host":
		cfg.Role = config.RoleHost
		cfg.Addr = *addrFlag
		if cfg.Addr == "" {
			cfg.Addr = fmt.Sprintf(":%d", tuning.Port)
		}
		cfg.SignalPort = *wsPortFlag
		if cfg.PIN == "" {
			cfg.PIN = generatePIN()
		}

	case "client":
		cfg.Role = config.RoleClient
		if cfg.Transport == config.TransportWebRTC {
			if *wsURLFlag == "" {
				util.LogError("missing -wsUrl for webrtc client")
				os.Exit(1)
			}
			cfg.WSURL, err = normalizeWSURL(*wsURLFlag)
		} else {
			if *addrFlag == "" {
				util.LogError("missing -addr for udp client")
				os.Exit(1)
			}
			cfg.Addr, err = normalizeHostAddr(*addrFlag, tuning.Port)
		}
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}

	default:
		util.LogError("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	if err := run(ctx, cfg, tuning); err != nil {
		util.LogError("session ended: %v", err)
		os.Exit(1)
	}
	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Config, tuning config.Tuning) error {
	if cfg.Role == config.RoleHost {
		return app.RunHost(ctx, cfg, tuning)
	}
	return app.RunClient(ctx, cfg, tuning)
}

// runInteractive fills in the role and addresses with prompts when no -role
// flag is provided.
func runInteractive(cfg config.Config, tuning config.Tuning) config.Config {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Share a shell", "Client — Attach to a remote shell"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
		cfg.Addr = fmt.Sprintf(":%d", tuning.Port)
		if cfg.PIN == "" {
			cfg.PIN = generatePIN()
		}
		return cfg
	}

	cfg.Role = config.RoleClient
	if cfg.Transport == config.TransportWebRTC {
		cfg.WSURL = askURL()
	} else {
		cfg.Addr = askAddr(tuning.Port)
	}
	if cfg.PIN == "" {
		cfg.PIN = askPIN()
	}
	return cfg
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// normalizeHostAddr validates a host[:port] string, adding the default port
// when none is given.
func normalizeHostAddr(raw string, defaultPort int) (string, error) {
	raw = strings.TrimSpace(raw)
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		host, port = raw, strconv.Itoa(defaultPort)
	}
	if host == "" {
		return "", fmt.Errorf("invalid host address: %s", raw)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("invalid port in host address: %s", raw)
	}
	return net.JoinHostPort(host, port), nil
}

// generatePIN returns a random six-digit PIN.
func generatePIN() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		util.LogError("failed to generate PIN: %v", err)
		os.Exit(1)
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// askAddr prompts the user for a host address until a valid one is entered.
func askAddr(defaultPort int) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Host address (e.g. 192.168.1.10:%d)", defaultPort)).
			Show()

		addr, err := normalizeHostAddr(raw, defaultPort)
		if err == nil {
			pterm.Println()
			return addr
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter host or host:port")
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askPIN prompts for the PIN shown by the host.
func askPIN() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithMask("*").
			WithDefaultText("PIN shown by the host").
			Show()

		if pin := strings.TrimSpace(raw); pin != "" {
			pterm.Println()
			return pin
		}
		util.LogWarning("the PIN can't be empty")
	}
}
