package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agencyhq/automation/executor"
	"github.com/agencyhq/automation/internal/logger"
)

// logNotifier delivers notify actions to the log stream. Real deployments
// swap in a mailer or chat integration behind executor.Notifier.
type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, tenantID string, params map[string]any) error {
	logger.Info("notification", "tenantId", tenantID, "params", params)
	return nil
}

// httpWebhookClient POSTs the action params as JSON to params["url"].
// Network errors and 5xx responses are transient; 4xx is permanent.
type httpWebhookClient struct {
	client *http.Client
}

func newHTTPWebhookClient() *httpWebhookClient {
	return &httpWebhookClient{client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *httpWebhookClient) Deliver(ctx context.Context, tenantID string, params map[string]any) error {
	url, ok := params["url"].(string)
	if !ok || url == "" {
		return fmt.Errorf("webhook action requires a url param")
	}

	body, err := json.Marshal(map[string]any{"tenantId": tenantID, "params": params})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return executor.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return executor.Transient(fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}

// memoryEntities is a process-local entity state store, enough to run the
// engine end to end without the surrounding business services. Mutations
// merge the action's "set" map into the entity's attributes.
type memoryEntities struct {
	mu       sync.RWMutex
	entities map[string]map[string]any // key: tenantID + "/" + entityRef
}

func newMemoryEntities() *memoryEntities {
	return &memoryEntities{entities: make(map[string]map[string]any)}
}

func (m *memoryEntities) Snapshot(_ context.Context, tenantID, entityRef string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.entities[tenantID+"/"+entityRef]
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func (m *memoryEntities) Mutate(_ context.Context, tenantID, entityRef string, params map[string]any) error {
	set, ok := params["set"].(map[string]any)
	if !ok {
		return fmt.Errorf("mutate action requires a set param object")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantID + "/" + entityRef
	if m.entities[key] == nil {
		m.entities[key] = make(map[string]any)
	}
	for k, v := range set {
		m.entities[key][k] = v
	}
	return nil
}
