package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

const probeTimeout = 5 * time.Second

// probeRTSP issues a single DESCRIBE against the camera and reports
// whether the stream endpoint answered sanely. One request, one read;
// retrying is the next cycle's job.
func probeRTSP(ctx context.Context, rtspURL string) error {
	target, err := url.Parse(rtspURL)
	if err != nil {
		return fmt.Errorf("invalid rtsp url")
	}

	port := target.Port()
	if port == "" {
		port = "554"
	}
	address := net.JoinHostPort(target.Hostname(), port)

	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connect: unreachable")
	}
	defer conn.Close()

	req := fmt.Sprintf("DESCRIBE %s RTSP/1.0\r\nCSeq: 1\r\nAccept: application/sdp\r\n\r\n", target.String())
	conn.SetDeadline(time.Now().Add(probeTimeout))
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("write: %v", errShape(err))
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read: %v", errShape(err))
	}

	statusLine, _, _ := strings.Cut(string(buf[:n]), "\r\n")
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return fmt.Errorf("malformed response")
	}

	switch parts[1] {
	case "200", "401":
		// 401 means the endpoint is alive and will negotiate auth with
		// the relay's full client; reachability is what we measure here.
		return nil
	case "403":
		return fmt.Errorf("forbidden")
	default:
		return fmt.Errorf("rtsp status %s", parts[1])
	}
}

// errShape strips addresses and URLs out of transport errors so health
// payloads never leak credentials embedded in the RTSP URL.
func errShape(err error) string {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return "timeout"
	}
	return "connection error"
}
