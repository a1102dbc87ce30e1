package eodhd

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"portfolio-optimizer/internal/engine"
)

// General is the reference-data block of the fundamentals endpoint.
type General struct {
	Code         string `json:"Code"`
	Name         string `json:"Name"`
	Type         string `json:"Type"`
	Exchange     string `json:"Exchange"`
	CurrencyCode string `json:"CurrencyCode"`
	CountryName  string `json:"CountryName"`
	ISIN         string `json:"ISIN"`
}

// FetchGeneral fetches name, asset type and listing data for symbol.
func (c *Client) FetchGeneral(ctx context.Context, symbol string) (*General, error) {
	q := url.Values{}
	q.Set("filter", "General")
	var g General
	err := c.GetJSON(ctx, "fundamentals/"+url.PathEscape(symbol), q, &g)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, &engine.SymbolNotFoundError{Symbol: symbol}
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
