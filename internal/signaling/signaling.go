// Package signaling sets up a WebRTC transport for a session. The host runs
// a PIN-protected WebSocket endpoint, the client dials it, and the two trade
// SDP and ICE candidates until the DataChannel opens. Callers receive a
// ready-to-use transport.
package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/lagless/internal/transport"
	"github.com/1ureka/lagless/internal/util"
)

// EstablishAsHost executes the full host-side signaling flow:
//  1. Start a WS server on listenAddr
//  2. Print port info
//  3. Wait for the client to connect with the right PIN
//  4. Create a transport
//  5. Perform SDP/ICE exchange (the host offers)
//  6. Wait for the DataChannel to be ready
//  7. Close the WS server and connection
//  8. Return the ready transport
func EstablishAsHost(ctx context.Context, listenAddr, pin string) (*transport.WebRTC, error) {
	srv := newServer(pin)
	wsPort, err := srv.start(listenAddr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	pterm.DefaultBox.WithTitle("WebSocket Signaling").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\n\nForward this port to reach the host.", wsPort, pin))
	util.LogInfo("waiting for the client...")

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer wsConn.Close()
	util.LogDebug("client connected")

	return exchange(ctx, wsConn, true)
}

// EstablishAsClient executes the full client-side signaling flow:
//  1. Connect to the host's WS server
//  2. Create a transport
//  3. Perform SDP/ICE exchange (the client answers)
//  4. Wait for the DataChannel to be ready
//  5. Close the WS connection
//  6. Return the ready transport
func EstablishAsClient(ctx context.Context, wsURL, pin string) (*transport.WebRTC, error) {
	util.LogInfo("connecting to host...")
	wsConn, err := connect(ctx, wsURL, pin)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	return exchange(ctx, wsConn, false)
}

// exchange trades SDP and ICE over wsConn until the DataChannel opens.
func exchange(ctx context.Context, wsConn *websocket.Conn, offer bool) (*transport.WebRTC, error) {
	tr, err := transport.NewWebRTC(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	n := newNegotiator(tr, wsConn, offer)

	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			// Best effort: a lost candidate only narrows the ICE search.
			_ = n.candidate(c.ToJSON())
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.run() // Exits when wsConn is closed by the caller.
	}()

	if offer {
		if err := n.offer(); err != nil {
			tr.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-tr.Ready():
		util.LogDebug("WebRTC DataChannel established, closing WS")
		return tr, nil

	case err := <-errCh:
		tr.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		tr.Close()
		return nil, ctx.Err()
	}
}
