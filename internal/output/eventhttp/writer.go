package eventhttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/whispr-dev/proc-wolf/internal/logger"
	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// Config holds HTTP writer configuration.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Writer posts action events to an HTTP endpoint as JSON batches.
type Writer struct {
	config Config
	client *http.Client
}

// NewWriter creates an HTTP writer for action events.
func NewWriter(config Config) (*Writer, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("http writer requires a URL")
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	logger.Infof("Action event HTTP writer initialized: %s", config.URL)
	return &Writer{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// WriteEvents posts a batch of action events as a JSON array.
func (w *Writer) WriteEvents(events []*models.ActionEvent) error {
	if len(events) == 0 {
		return nil
	}

	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal action events: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post action events: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("action event endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op for the HTTP writer.
func (w *Writer) Close() error {
	return nil
}
