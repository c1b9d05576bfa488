// Package client implements the service's external collaborators: the
// identity provider, the per-kind entity snapshot providers, and the NATS
// notification publisher.
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

// IdentityHTTPClient implements service.IdentityClient against the
// platform identity service. Membership lookups happen at resolution
// time, so role and permission changes take effect on pending steps
// immediately.
type IdentityHTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewIdentityHTTPClient creates a client for the identity service at
// baseURL.
func NewIdentityHTTPClient(baseURL string, timeout time.Duration) *IdentityHTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IdentityHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type membersResponse struct {
	UserIDs []string `json:"user_ids"`
}

// GetUsersWithRole returns the actor IDs currently holding the role. An
// unknown role yields an empty set, not an error.
func (c *IdentityHTTPClient) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	return c.fetchMembers(ctx, fmt.Sprintf("%s/api/v1/roles/%s/members", c.baseURL, url.PathEscape(role)))
}

// GetUsersWithPermission returns the actor IDs currently granted the
// permission. An unknown permission yields an empty set, not an error.
func (c *IdentityHTTPClient) GetUsersWithPermission(ctx context.Context, permission string) ([]string, error) {
	return c.fetchMembers(ctx, fmt.Sprintf("%s/api/v1/permissions/%s/holders", c.baseURL, url.PathEscape(permission)))
}

func (c *IdentityHTTPClient) fetchMembers(ctx context.Context, endpoint string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build identity request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "identity service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrCodeInternal, "identity service returned %d", resp.StatusCode)
	}

	var body membersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode identity response")
	}
	return body.UserIDs, nil
}
