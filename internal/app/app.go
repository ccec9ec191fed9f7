// Package app contains the top-level orchestration for host and client roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/1ureka/lagless/internal/config"
	"github.com/1ureka/lagless/internal/conn"
	"github.com/1ureka/lagless/internal/metrics"
	"github.com/1ureka/lagless/internal/session"
	"github.com/1ureka/lagless/internal/shell"
	"github.com/1ureka/lagless/internal/signaling"
	"github.com/1ureka/lagless/internal/transport"
	"github.com/1ureka/lagless/internal/util"
)

// sizePollInterval is how often the client checks the local window size.
const sizePollInterval = 250 * time.Millisecond

// link is a session transport the app owns and closes.
type link interface {
	session.Transport
	Close() error
}

// ---------------------------------------------------------------------------
// Host
// ---------------------------------------------------------------------------

// RunHost orchestrates the full host lifecycle:
//  1. Open the transport (UDP listener, or WebRTC through signaling)
//  2. Start the shell on a PTY
//  3. Serve the session until the shell exits or ctx is cancelled
func RunHost(ctx context.Context, cfg config.Config, tuning config.Tuning) error {
	tr, err := openHostLink(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	sh, err := shell.Start(cfg.Command, tuning.Rows, tuning.Cols)
	if err != nil {
		return err
	}
	defer sh.Close()

	stats := &util.Stats{}
	serveMetrics(ctx, cfg.MetricsAddr, config.RoleHost, stats, nil)
	util.StartStatsReporter(ctx, stats, util.With("role", "host"))

	host := session.NewHost(tr, sh, session.HostConfig{
		PIN:                cfg.PIN,
		Rows:               tuning.Rows,
		Cols:               tuning.Cols,
		RetransmitInterval: tuning.RetransmitInterval,
		EchoTimeout:        tuning.EchoTimeout,
		Stats:              stats,
	})

	err = host.Run(ctx)
	if errors.Is(err, session.ErrShellExited) {
		return nil
	}
	return err
}

func openHostLink(ctx context.Context, cfg config.Config) (link, error) {
	if cfg.Transport == config.TransportWebRTC {
		return signaling.EstablishAsHost(ctx, fmt.Sprintf(":%d", cfg.SignalPort), cfg.PIN)
	}

	u, err := transport.ListenUDP(ctx, cfg.Addr)
	if err != nil {
		return nil, err
	}
	pterm.DefaultBox.WithTitle("lagless host").Println(
		fmt.Sprintf("Address : %s\nPIN     : %s", u.LocalAddr(), cfg.PIN))
	return u, nil
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// RunClient orchestrates the full client lifecycle:
//  1. Open the transport (UDP to the host, or WebRTC through signaling)
//  2. Put the local terminal in raw mode
//  3. Pump keystrokes and window sizes into the session and paint its frames
//  4. Run until the user quits, ctx is cancelled, or the session is lost
func RunClient(ctx context.Context, cfg config.Config, tuning config.Tuning) error {
	tr, err := openClientLink(ctx, cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fd := int(os.Stdin.Fd())
	rows, cols := tuning.Rows, tuning.Cols
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			rows, cols = h, w
		}
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, old)
		if !cfg.Debug {
			defer util.Mute()()
		}
	}

	stats := &util.Stats{}
	client := session.NewClient(tr, session.ClientConfig{
		SessionID:          uuid.NewString(),
		PIN:                cfg.PIN,
		Rows:               rows,
		Cols:               cols,
		Monitor:            tuning.Monitor(),
		RetransmitInterval: tuning.RetransmitInterval,
		ResyncPerSecond:    tuning.ResyncPerSecond,
		Stats:              stats,
	})
	serveMetrics(ctx, cfg.MetricsAddr, config.RoleClient, stats, client.Machine().State)
	util.StartStatsReporter(ctx, stats, util.With("role", "client"))

	go pumpInput(client, cancel)
	go watchSize(ctx, client, fd, rows, cols)
	go paint(ctx, client, newRenderer(os.Stdout))

	err = client.Run(ctx)
	fmt.Print(ansi.ResetStyle + "\r\n")
	if conn.IsFatal(err) {
		return fmt.Errorf("session lost, reconnect with a new client: %w", err)
	}
	return err
}

func openClientLink(ctx context.Context, cfg config.Config) (link, error) {
	if cfg.Transport == config.TransportWebRTC {
		return signaling.EstablishAsClient(ctx, cfg.WSURL, cfg.PIN)
	}
	return transport.DialUDP(ctx, cfg.Addr)
}

// pumpInput forwards stdin to the session and runs local commands. It ends
// with stdin; the goroutine is abandoned when the session ends first.
func pumpInput(client *session.Client, quit func()) {
	rr := newRuneReader(os.Stdin)
	var esc escaper
	for {
		text, err := rr.Next()
		if err != nil {
			quit()
			return
		}
		text, cmds := esc.filter(text)
		for _, cmd := range cmds {
			switch cmd {
			case cmdQuit:
				quit()
				return
			case cmdToggleSuspend:
				if client.Machine().State() == conn.Suspended {
					_ = client.Resume()
				} else {
					_ = client.Suspend()
				}
			}
		}
		if text != "" && client.Input(text) != nil {
			return
		}
	}
}

// watchSize polls the local window size and forwards changes.
func watchSize(ctx context.Context, client *session.Client, fd, rows, cols int) {
	if !term.IsTerminal(fd) {
		return
	}
	ticker := time.NewTicker(sizePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w, h, err := term.GetSize(fd)
			if err != nil || (h == rows && w == cols) {
				continue
			}
			rows, cols = h, w
			if err := client.Resize(rows, cols); errors.Is(err, session.ErrClosed) {
				return
			} else if err != nil {
				util.LogDebug("window size ignored: %v", err)
			}
		}
	}
}

// paint redraws the screen whenever the client publishes a frame.
func paint(ctx context.Context, client *session.Client, r *renderer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Updates():
			if err := r.draw(client.Frame()); err != nil {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// serveMetrics exposes /metrics on addr until ctx is cancelled. An empty
// addr disables it.
func serveMetrics(ctx context.Context, addr string, role config.Role, stats *util.Stats, state func() conn.State) {
	if addr == "" {
		return
	}
	metrics.Register(metrics.Config{Role: string(role)}, stats, state)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("metrics server: %v", err)
		}
	}()
	util.LogInfo("serving metrics on http://%s/metrics", addr)
}
