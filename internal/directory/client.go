// Package directory is the HTTP client for the profile and identity services
// that own provider and subject records.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"turnos/backend/internal/service/booking"
	"turnos/backend/internal/store"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

type providerPayload struct {
	Active        bool   `json:"active"`
	PriceAmount   int64  `json:"price_amount"`
	PriceCurrency string `json:"price_currency"`
}

type subjectPayload struct {
	Complete   bool   `json:"complete"`
	InternalID string `json:"internal_id"`
}

func (c *Client) ProviderProfile(ctx context.Context, providerID string) (booking.ProviderProfile, error) {
	var payload providerPayload
	if err := c.get(ctx, "/v1/providers/"+url.PathEscape(providerID), &payload); err != nil {
		return booking.ProviderProfile{}, err
	}
	return booking.ProviderProfile{
		Active:        payload.Active,
		PriceAmount:   payload.PriceAmount,
		PriceCurrency: payload.PriceCurrency,
	}, nil
}

// IsActiveProvider satisfies the scheduling service's provider check with the
// same lookup Book uses.
func (c *Client) IsActiveProvider(ctx context.Context, providerID string) (bool, error) {
	profile, err := c.ProviderProfile(ctx, providerID)
	if err != nil {
		return false, err
	}
	return profile.Active, nil
}

func (c *Client) Bookable(ctx context.Context, subjectID string) (booking.Identity, error) {
	var payload subjectPayload
	if err := c.get(ctx, "/v1/subjects/"+url.PathEscape(subjectID), &payload); err != nil {
		return booking.Identity{}, err
	}
	return booking.Identity{
		Complete:   payload.Complete,
		InternalID: payload.InternalID,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return store.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("directory request %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("directory response %s: %w", path, err)
	}
	return nil
}
