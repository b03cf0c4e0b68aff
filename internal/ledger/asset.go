package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AssetPrecision is the number of decimals of the core token.
const AssetPrecision = 4

// Asset is a token quantity such as "1.0000 EOS", stored in integer units.
type Asset struct {
	Amount int64
	Symbol string
}

// ParseAsset parses "<amount> <SYMBOL>". The amount must not carry more than
// AssetPrecision decimals.
func ParseAsset(s string) (Asset, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Asset{}, fmt.Errorf("invalid asset %q", s)
	}
	d, err := decimal.NewFromString(fields[0])
	if err != nil {
		return Asset{}, fmt.Errorf("invalid asset amount %q: %w", s, err)
	}
	units := d.Shift(AssetPrecision)
	if !units.Equal(units.Truncate(0)) {
		return Asset{}, fmt.Errorf("asset %q exceeds precision %d", s, AssetPrecision)
	}
	return Asset{Amount: units.IntPart(), Symbol: fields[1]}, nil
}

// FormatUnits renders integer units with the core precision.
func FormatUnits(units int64) string {
	return decimal.New(units, -AssetPrecision).StringFixed(AssetPrecision)
}

func (a Asset) String() string {
	if a.Symbol == "" {
		return FormatUnits(a.Amount)
	}
	return FormatUnits(a.Amount) + " " + a.Symbol
}

func (a *Asset) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	parsed, err := ParseAsset(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Asset) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}
