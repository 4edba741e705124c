package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/models"
)

var (
	debugMode bool
	envPath   string
	interval  time.Duration
)

// agent runs inside the GPU instance and reports utilization to the control
// plane. It prefers a long-lived websocket and falls back to plain POSTs when
// the stream cannot be held open.
type agent struct {
	controlURL string
	token      string
	interval   time.Duration
	client     *http.Client

	sample func(ctx context.Context) (models.Heartbeat, error)
}

func main() {
	flag.BoolVar(&debugMode, "dm", false, "Enable debug logging")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug logging")
	flag.StringVar(&envPath, "env", "/etc/spotnest/agent.env", "Path to the agent credentials file")
	flag.DurationVar(&interval, "interval", 10*time.Second, "Heartbeat interval")
	flag.Parse()

	// The credentials file is installed at provision time; environment
	// variables win when both are set.
	_ = godotenv.Load(envPath)

	level := logging.INFO
	if debugMode {
		level = logging.DEBUG
	}
	logging.InitStructuredLogger("nestagent", level)

	controlURL := strings.TrimRight(os.Getenv("SPOTNEST_CONTROL_URL"), "/")
	token := os.Getenv("SPOTNEST_AGENT_TOKEN")
	if controlURL == "" || token == "" {
		log.Fatalf("SPOTNEST_CONTROL_URL and SPOTNEST_AGENT_TOKEN must be set (checked %s)", envPath)
	}

	a := &agent{
		controlURL: controlURL,
		token:      token,
		interval:   interval,
		client:     &http.Client{Timeout: 10 * time.Second},
		sample:     sampleNvidiaSMI,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("Agent started", map[string]interface{}{
		"control_url": controlURL,
		"interval":    interval.String(),
	})
	a.run(ctx)
}

func (a *agent) run(ctx context.Context) {
	for {
		if err := a.streamLoop(ctx); err != nil {
			logging.Warn("Stream lost, falling back to POST", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if ctx.Err() != nil {
			return
		}
		if err := a.postOnce(ctx); err != nil {
			logging.Warn("Heartbeat POST failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.interval):
		}
	}
}

// streamLoop holds a websocket open and pushes one heartbeat per interval.
// Any transport error returns so the caller can fall back and redial.
func (a *agent) streamLoop(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case <-ticker.C:
			hb, err := a.sample(ctx)
			if err != nil {
				logging.Warn("GPU sample failed, skipping beat", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			msg := struct {
				Type string `json:"type"`
				models.Heartbeat
			}{Type: "heartbeat", Heartbeat: hb}
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
			_ = conn.SetReadDeadline(time.Now().Add(a.interval))
			if _, _, err := conn.ReadMessage(); err != nil {
				return fmt.Errorf("read ack: %w", err)
			}
		}
	}
}

func (a *agent) postOnce(ctx context.Context) error {
	hb, err := a.sample(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST",
		a.controlURL+"/api/v1/agent/heartbeat", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("heartbeat rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (a *agent) streamURL() string {
	ws := a.controlURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	// Websocket clients cannot set headers from every runtime; the token
	// rides the query string.
	return ws + "/api/v1/agent/stream?token=" + url.QueryEscape(a.token)
}

func sampleNvidiaSMI(ctx context.Context) (models.Heartbeat, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return models.Heartbeat{}, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMI(string(out))
}

// parseSMI reads "util, mem_mib" lines, one per GPU. The beat carries the
// busiest GPU's utilization and the total memory in use: one busy GPU must
// keep a multi-GPU instance out of hibernation.
func parseSMI(out string) (models.Heartbeat, error) {
	var hb models.Heartbeat
	seen := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			return models.Heartbeat{}, fmt.Errorf("malformed nvidia-smi line %q", line)
		}
		util, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return models.Heartbeat{}, fmt.Errorf("malformed utilization in %q: %w", line, err)
		}
		memMiB, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return models.Heartbeat{}, fmt.Errorf("malformed memory in %q: %w", line, err)
		}
		if util > hb.GPUUtilPct {
			hb.GPUUtilPct = util
		}
		hb.VRAMUsed += memMiB << 20
		seen = true
	}
	if !seen {
		return models.Heartbeat{}, fmt.Errorf("nvidia-smi returned no GPUs")
	}
	hb.Timestamp = time.Now()
	return hb, nil
}
