package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPDirectory reads the roster that zmesd serves under /users.
type HTTPDirectory struct {
	base   string
	client *http.Client
}

var _ Directory = (*HTTPDirectory)(nil)

// NewHTTP creates a directory client for the given server base URL
// (e.g. http://localhost:8090).
func NewHTTP(base string) *HTTPDirectory {
	return &HTTPDirectory{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Lookup implements Directory.
func (d *HTTPDirectory) Lookup(ctx context.Context, id string) (User, error) {
	var u User
	status, err := d.get(ctx, d.base+"/users/"+url.PathEscape(id), &u)
	if err != nil {
		return User{}, err
	}
	if status == http.StatusNotFound {
		return User{}, ErrUserNotFound
	}
	if status != http.StatusOK {
		return User{}, fmt.Errorf("directory: lookup %s: status %d", id, status)
	}
	return u, nil
}

// List implements Directory.
func (d *HTTPDirectory) List(ctx context.Context) ([]User, error) {
	var users []User
	status, err := d.get(ctx, d.base+"/users", &users)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("directory: list users: status %d", status)
	}
	return users, nil
}

func (d *HTTPDirectory) get(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("directory: decode response: %w", err)
	}
	return resp.StatusCode, nil
}
