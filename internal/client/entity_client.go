package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// EntitySnapshotClient implements service.EntityProvider. Each target
// kind maps to the base URL of the service owning that entity; the engine
// itself never depends on concrete entity types, only on the field map
// the owner returns. Snapshots are read at evaluation time, not frozen at
// submission.
type EntitySnapshotClient struct {
	endpoints map[string]string
	http      *http.Client
}

// NewEntitySnapshotClient creates a snapshot client over a kind→base-URL
// registry.
func NewEntitySnapshotClient(endpoints map[string]string, timeout time.Duration) *EntitySnapshotClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EntitySnapshotClient{
		endpoints: endpoints,
		http:      &http.Client{Timeout: timeout},
	}
}

// GetSnapshot fetches the current field map for an approvable entity.
// Numbers decode as json.Number so rule values compare without float
// formatting drift.
func (c *EntitySnapshotClient) GetSnapshot(ctx context.Context, kind, id string) (map[string]any, error) {
	base, ok := c.endpoints[kind]
	if !ok {
		return nil, errors.InvalidInput("kind", "no snapshot endpoint configured for kind "+kind)
	}

	endpoint := fmt.Sprintf("%s/api/v1/snapshots/%s", base, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build snapshot request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "snapshot provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NotFound(kind, id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrCodeInternal, "snapshot provider returned %d", resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var snapshot map[string]any
	if err := dec.Decode(&snapshot); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode entity snapshot")
	}
	return snapshot, nil
}
