package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Asset is the stored reference data for a symbol.
type Asset struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
	Group    string `json:"group"`
}

// Asset groups used by group constraints.
const (
	GroupEquities    = "Equities"
	GroupFunds       = "Funds"
	GroupFixedIncome = "Fixed Income"
	GroupRealEstate  = "Real Estate"
	GroupOther       = "Other"
)

// AssetGroup maps a provider asset type to its group.
func AssetGroup(assetType string) string {
	switch strings.ToUpper(strings.TrimSpace(assetType)) {
	case "COMMON STOCK", "PREFERRED STOCK", "STOCK":
		return GroupEquities
	case "ETF", "FUND", "MUTUAL FUND", "INDEX", "CLOSED-END FUND":
		return GroupFunds
	case "BOND", "BONDS":
		return GroupFixedIncome
	case "REIT":
		return GroupRealEstate
	}
	return GroupOther
}

// UpsertAsset stores a, deriving its group from the type when unset.
func (d *DB) UpsertAsset(a Asset) error {
	if a.Group == "" {
		a.Group = AssetGroup(a.Type)
	}
	_, err := d.sql.Exec(`
		INSERT INTO assets (symbol, name, asset_type, exchange, currency, asset_group, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			name=excluded.name, asset_type=excluded.asset_type, exchange=excluded.exchange,
			currency=excluded.currency, asset_group=excluded.asset_group, updated_at=excluded.updated_at`,
		a.Symbol, a.Name, a.Type, a.Exchange, a.Currency, a.Group, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetAsset returns the stored asset for symbol.
func (d *DB) GetAsset(symbol string) (*Asset, bool) {
	var a Asset
	err := d.sql.QueryRow(
		"SELECT symbol, name, asset_type, exchange, currency, asset_group FROM assets WHERE symbol=?",
		symbol,
	).Scan(&a.Symbol, &a.Name, &a.Type, &a.Exchange, &a.Currency, &a.Group)
	if err != nil {
		return nil, false
	}
	return &a, true
}

// ListAssets returns every stored asset ordered by symbol.
func (d *DB) ListAssets() []Asset {
	rows, err := d.sql.Query("SELECT symbol, name, asset_type, exchange, currency, asset_group FROM assets ORDER BY symbol")
	if err != nil {
		return []Asset{}
	}
	defer rows.Close()

	out := []Asset{}
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.Symbol, &a.Name, &a.Type, &a.Exchange, &a.Currency, &a.Group); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// GroupsForSymbols returns the stored group of each known symbol. Unknown
// symbols are left out and so stay ungrouped.
func (d *DB) GroupsForSymbols(ctx context.Context, symbols []string) (map[string]string, error) {
	out := make(map[string]string, len(symbols))
	for _, s := range symbols {
		var g string
		err := d.sql.QueryRowContext(ctx, "SELECT asset_group FROM assets WHERE symbol=?", s).Scan(&g)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if g != "" {
			out[s] = g
		}
	}
	return out, nil
}
