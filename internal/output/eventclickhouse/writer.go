package eventclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whispr-dev/proc-wolf/internal/logger"
	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// Config holds ClickHouse writer configuration.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer inserts action events into a ClickHouse table over HTTP using
// the JSONEachRow format.
type Writer struct {
	config   Config
	client   *http.Client
	endpoint string
}

// NewWriter creates a ClickHouse writer for action events.
func NewWriter(config Config) (*Writer, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("clickhouse writer requires a URL")
	}
	if config.Database == "" {
		config.Database = "default"
	}
	if config.Table == "" {
		config.Table = "action_events"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	query := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow",
		quoteIdent(config.Database), quoteIdent(config.Table))
	endpoint := strings.TrimRight(config.URL, "/") + "/?query=" + url.QueryEscape(query)

	logger.Infof("Action event ClickHouse writer initialized: %s.%s via %s",
		config.Database, config.Table, config.URL)
	return &Writer{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		endpoint: endpoint,
	}, nil
}

// WriteEvents inserts a batch of action events, one JSON row per event.
func (w *Writer) WriteEvents(events []*models.ActionEvent) error {
	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	encoder := json.NewEncoder(&body)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode action event: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if w.config.Username != "" {
		req.Header.Set("X-ClickHouse-User", w.config.Username)
	}
	if w.config.Password != "" {
		req.Header.Set("X-ClickHouse-Key", w.config.Password)
	}
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post action events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("clickhouse returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Close is a no-op for the ClickHouse writer.
func (w *Writer) Close() error {
	return nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
