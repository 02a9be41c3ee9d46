package timeseries

import (
	"errors"
	"fmt"
	"time"
)

// AssetKind discriminates the two supported asset shapes.
type AssetKind uint8

const (
	// KindEquity identifies a single-ticker cash equity.
	KindEquity AssetKind = iota
	// KindFuture identifies one expiry of a futures series.
	KindFuture
)

func (k AssetKind) String() string {
	switch k {
	case KindEquity:
		return "equity"
	case KindFuture:
		return "future"
	default:
		return "unknown"
	}
}

// ErrInvalidAssetKey is returned by the constructors when the supplied
// fields cannot form a valid key.
var ErrInvalidAssetKey = errors.New("invalid asset key")

// AssetKey is an immutable, structurally-comparable identifier for either
// an equity ticker or one expiry of a futures series. Zero value is not a
// valid key; always construct via NewEquityKey or NewFutureKey.
//
// AssetKey is comparable and safe to use as a map key: equality and hashing
// are purely structural over (kind, ticker, series, expiry).
type AssetKey struct {
	kind   AssetKind
	ticker string
	series string
	expiry time.Time
}

// NewEquityKey builds an equity asset key from a non-empty ticker.
func NewEquityKey(ticker string) (AssetKey, error) {
	if ticker == "" {
		return AssetKey{}, fmt.Errorf("%w: equity ticker must not be empty", ErrInvalidAssetKey)
	}
	return AssetKey{kind: KindEquity, ticker: ticker}, nil
}

// NewFutureKey builds a futures asset key from an underlying series code
// and an expiry date. The expiry's time-of-day is discarded; only the
// calendar date participates in equality.
func NewFutureKey(series string, expiry time.Time) (AssetKey, error) {
	if series == "" {
		return AssetKey{}, fmt.Errorf("%w: future series must not be empty", ErrInvalidAssetKey)
	}
	if expiry.IsZero() {
		return AssetKey{}, fmt.Errorf("%w: future expiry must be set", ErrInvalidAssetKey)
	}
	y, m, d := expiry.UTC().Date()
	return AssetKey{kind: KindFuture, series: series, expiry: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}, nil
}

// Kind reports whether this key is an equity or a future.
func (k AssetKey) Kind() AssetKind { return k.kind }

// Ticker returns the equity ticker. Only meaningful when Kind() == KindEquity.
func (k AssetKey) Ticker() string { return k.ticker }

// Series returns the futures underlying series code. Only meaningful when
// Kind() == KindFuture.
func (k AssetKey) Series() string { return k.series }

// Expiry returns the futures expiry date. Only meaningful when Kind() == KindFuture.
func (k AssetKey) Expiry() time.Time { return k.expiry }

// String renders a canonical, parseable form used for logging and as a SQL
// column value by the SQL-backed provider.
func (k AssetKey) String() string {
	switch k.kind {
	case KindEquity:
		return k.ticker
	case KindFuture:
		return fmt.Sprintf("%s:%s", k.series, k.expiry.Format("2006-01-02"))
	default:
		return ""
	}
}
