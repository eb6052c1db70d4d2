package autohub

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/hub"
	"github.com/teranos/tabhub/protocol"
)

// discover implements "connect to an existing hub or start one":
//  1. Dial the well-known port with a short timeout.
//  2. On refusal, bind the port and start an embedded hub, then dial it.
//  3. If the bind loses the race ("address in use"), dial again with a
//     longer timeout; if that also fails, report what owns the port.
func (c *Client) discover(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("ws://127.0.0.1:%d/", c.cfg.Port)

	if !c.cfg.ForceHubCreation {
		ws, err := c.dialHub(ctx, url, c.cfg.DialTimeout)
		if err == nil {
			c.logger.Infow("Connected to existing hub", "port", c.cfg.Port)
			return ws, nil
		}
		c.logger.Debugw("No existing hub, will start one",
			"port", c.cfg.Port,
			"dial_error", err.Error(),
		)
	}

	embedded := hub.New(c.cfg.HubConfig, c.logger.Named("hub"))
	if err := embedded.Start(); err == nil {
		c.embedded = embedded
		c.logger.Infow("Started embedded hub", "port", embedded.Port())

		ws, dialErr := c.dialHub(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", embedded.Port()), c.cfg.DialTimeout)
		if dialErr != nil {
			embedded.Stop()
			c.embedded = nil
			return nil, errors.Wrap(dialErr, "failed to connect to embedded hub")
		}
		return ws, nil
	} else if !isPortInUse(err) {
		return nil, errors.Wrap(err, "failed to start embedded hub")
	}

	// Another client won the bind race; the hub should be accepting shortly.
	ws, err := c.dialHub(ctx, url, 2*c.cfg.DialTimeout)
	if err == nil {
		c.logger.Infow("Connected to hub started by another client", "port", c.cfg.Port)
		return ws, nil
	}

	diag := portOwnerDiagnostic(c.cfg.Port)
	failure := errors.Wrapf(err, "port %d is neither connectable nor bindable", c.cfg.Port)
	failure = errors.WithDetail(failure, string(protocol.CodePortInUse))
	if diag != "" {
		failure = errors.WithHint(failure, diag)
	}
	return nil, failure
}

func (c *Client) dialHub(ctx context.Context, url string, timeout time.Duration) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return ws, nil
}

func isPortInUse(err error) bool {
	for _, detail := range errors.GetAllDetails(err) {
		if detail == string(protocol.CodePortInUse) {
			return true
		}
	}
	return false
}

// portOwnerDiagnostic identifies the process listening on the port.
// Best effort: on failure it returns "" and the caller reports without it.
func portOwnerDiagnostic(port int) string {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return ""
	}

	for _, conn := range conns {
		if conn.Status != "LISTEN" || int(conn.Laddr.Port) != port {
			continue
		}
		if conn.Pid == 0 {
			return fmt.Sprintf("port %d is held by an unidentified process", port)
		}

		name := "unknown"
		if proc, err := process.NewProcess(conn.Pid); err == nil {
			if n, err := proc.Name(); err == nil {
				name = n
			}
		}
		return fmt.Sprintf("port %d is held by pid %d (%s); stop it or set HUB_PORT", port, conn.Pid, name)
	}
	return ""
}
