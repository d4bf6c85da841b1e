package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/agentbridge/internal/httpapi"
	"github.com/ent0n29/agentbridge/internal/observability"
	"github.com/ent0n29/agentbridge/internal/readiness"
)

var errStreamClosed = errors.New("store stream closed before ready")

var probeFlags struct {
	baseURL   string
	timeout   time.Duration
	connect   bool
	serverURL string
	token     string
	verbose   bool
}

type probeResult struct {
	Ready         bool                         `json:"ready"`
	TimeToReadyMS int64                        `json:"time_to_ready_ms"`
	Snapshots     int                          `json:"snapshots"`
	Status        *readiness.Status            `json:"status,omitempty"`
	Latency       *observability.StageSnapshot `json:"latency,omitempty"`
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Wait for a running bridge to signal readiness",
	Long: `Open the store stream of a running bridge and wait for the one-time ready
event. Prints a JSON summary with the time to ready and the connect-stage
latency window. Exits non-zero when the timeout passes first.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), probeFlags.timeout)
		defer cancel()
		res, err := probe(ctx, strings.TrimRight(strings.TrimSpace(probeFlags.baseURL), "/"))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func probe(ctx context.Context, baseURL string) (probeResult, error) {
	wsURL, err := storeStreamURL(baseURL)
	if err != nil {
		return probeResult{}, fmt.Errorf("build ws URL: %w", err)
	}
	started := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return probeResult{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if probeFlags.connect {
		if err := requestConnect(ctx, httpClient, baseURL, probeFlags.serverURL, probeFlags.token); err != nil {
			return probeResult{}, fmt.Errorf("connect: %w", err)
		}
	}

	res, err := awaitReady(ctx, conn, probeFlags.verbose)
	if err != nil {
		return res, err
	}
	res.TimeToReadyMS = time.Since(started).Milliseconds()

	if latency, err := fetchLatency(ctx, httpClient, baseURL); err == nil {
		res.Latency = &latency
	} else if probeFlags.verbose {
		fmt.Fprintf(os.Stderr, "probe: latency window unavailable: %v\n", err)
	}
	return res, nil
}

// awaitReady reads stream frames until the ready frame arrives.
func awaitReady(ctx context.Context, conn *websocket.Conn, verbose bool) (probeResult, error) {
	frames := make(chan httpapi.StreamMessage, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(frames)
		for {
			var msg httpapi.StreamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-done:
				return
			}
		}
	}()

	var res probeResult
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return res, fmt.Errorf("waiting for ready: %w", ctx.Err())
		case msg, ok := <-frames:
			if !ok {
				err := <-readErr
				return res, fmt.Errorf("%w: %v", errStreamClosed, err)
			}
			switch msg.Type {
			case httpapi.StreamStoreSnapshot:
				res.Snapshots++
				if verbose && msg.Snapshot != nil {
					fmt.Fprintf(os.Stderr, "probe: connection=%s agent=%t audio=%s\n",
						msg.Snapshot.Connection, msg.Snapshot.AgentConnected, msg.Snapshot.AudioStatus)
				}
			case httpapi.StreamReady:
				res.Ready = true
				res.Status = msg.Status
				return res, nil
			}
		}
	}
}

func storeStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/store/ws"
	return u.String(), nil
}

func requestConnect(ctx context.Context, client *http.Client, baseURL, serverURL, token string) error {
	body, err := json.Marshal(map[string]string{"server_url": serverURL, "token": token})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/session/connect", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func fetchLatency(ctx context.Context, client *http.Client, baseURL string) (observability.StageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return observability.StageSnapshot{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out observability.StageSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return observability.StageSnapshot{}, err
	}
	return out, nil
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeFlags.baseURL, "base-url", "http://127.0.0.1:8080", "bridge base URL")
	f.DurationVar(&probeFlags.timeout, "timeout", 60*time.Second, "how long to wait for ready")
	f.BoolVar(&probeFlags.connect, "connect", false, "request POST /v1/session/connect before waiting")
	f.StringVar(&probeFlags.serverURL, "server-url", "", "server_url sent with --connect")
	f.StringVar(&probeFlags.token, "token", "", "token sent with --connect")
	f.BoolVar(&probeFlags.verbose, "verbose", false, "print stream progress to stderr")
}
