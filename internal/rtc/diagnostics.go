package rtc

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
)

// ServerCheck is the result of probing one STUN server.
type ServerCheck struct {
	URL        string        `json:"url"`
	Reachable  bool          `json:"reachable"`
	MappedAddr string        `json:"mapped_addr,omitempty"`
	RTT        time.Duration `json:"rtt_ms,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// CheckServers probes each configured STUN server with a binding request
// and reports the reflexive address it returned. Used by the connectivity
// self-test endpoint so users can diagnose "call never connects" without
// placing a call.
func CheckServers(ctx context.Context, urls []string) []ServerCheck {
	results := make([]ServerCheck, 0, len(urls))
	for _, u := range urls {
		results = append(results, checkServer(ctx, u))
	}
	return results
}

func checkServer(ctx context.Context, rawURL string) ServerCheck {
	check := ServerCheck{URL: rawURL}

	addr := strings.TrimPrefix(rawURL, "stun:")
	if !strings.Contains(addr, ":") {
		addr += ":3478"
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	conn, err := net.DialTimeout("udp4", addr, time.Until(deadline))
	if err != nil {
		check.Error = "dial failed: " + err.Error()
		return check
	}

	client, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		check.Error = "client setup failed: " + err.Error()
		return check
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	err = client.Do(msg, func(ev stun.Event) {
		if ev.Error != nil {
			check.Error = "binding request failed: " + ev.Error.Error()
			return
		}
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(ev.Message); err != nil {
			check.Error = "no mapped address in response: " + err.Error()
			return
		}
		check.Reachable = true
		check.MappedAddr = mapped.String()
		check.RTT = time.Since(start)
	})
	if err != nil && check.Error == "" {
		check.Error = "binding request failed: " + err.Error()
	}

	if check.Reachable {
		logger.Debug("stun server reachable",
			zap.String("url", rawURL),
			zap.String("mapped_addr", check.MappedAddr),
			zap.Duration("rtt", check.RTT))
	} else {
		logger.Warn("stun server unreachable",
			zap.String("url", rawURL),
			zap.String("error", check.Error))
	}
	return check
}
