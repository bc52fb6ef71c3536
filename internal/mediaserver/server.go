package mediaserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Server supervises the local RTMP/HLS sidecar process and exposes its
// admin API. The sidecar accepts RTMP publishes from the relays and
// the program encoder and serves HLS to the browser.
type Server struct {
	binary     string
	configPath string
	apiBase    string
	hlsBase    string
	client     *http.Client

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

func New(binary, configPath string, apiPort, hlsPort int) *Server {
	return &Server{
		binary:     binary,
		configPath: configPath,
		apiBase:    fmt.Sprintf("http://127.0.0.1:%d", apiPort),
		hlsBase:    fmt.Sprintf("http://127.0.0.1:%d", hlsPort),
		client:     &http.Client{Timeout: 3 * time.Second},
	}
}

// HLSBase is the local HLS origin the API proxies from.
func (s *Server) HLSBase() string { return s.hlsBase }

// Start launches the sidecar. The caller restarts through Start again
// after Stop; the server does not self-restart.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil
	}
	if _, err := exec.LookPath(s.binary); err != nil {
		return fmt.Errorf("media server binary: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, s.binary, s.configPath)
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start media server: %w", err)
	}

	s.cmd = cmd
	s.cancel = cancel
	s.done = make(chan struct{})
	log.Printf("[mediaserver] started pid=%d", cmd.Process.Pid)

	go func(done chan struct{}) {
		err := cmd.Wait()
		if err != nil && runCtx.Err() == nil {
			log.Printf("[mediaserver] exited unexpectedly: %v", err)
		}
		close(done)
	}(s.done)

	return nil
}

// Stop terminates the sidecar, SIGTERM then kill after 5s.
func (s *Server) Stop() {
	s.mu.Lock()
	cmd, cancel, done := s.cmd, s.cancel, s.done
	s.cmd, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return
	}
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cancel()
		<-done
	}
	cancel()
	log.Printf("[mediaserver] stopped")
}

// Healthy probes the admin API. Used by the router before starting a
// preview.
func (s *Server) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/v3/paths/list", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type pathsListResponse struct {
	Items []struct {
		Name  string `json:"name"`
		Ready bool   `json:"ready"`
	} `json:"items"`
}

// ActivePaths returns the mount points that currently have a publisher.
func (s *Server) ActivePaths(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/v3/paths/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media server api status %s", resp.Status)
	}

	var list pathsListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}

	var active []string
	for _, item := range list.Items {
		if item.Ready {
			active = append(active, item.Name)
		}
	}
	return active, nil
}
