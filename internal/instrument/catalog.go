// Package instrument holds the advisory symbol catalog: board membership,
// lot size and tick size per symbol. Orders for listed symbols are checked
// against it before anything reaches the broker; symbols the file does not
// mention pass through untouched.
package instrument

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"galata/internal/logger"
	"galata/internal/order"
)

// Instrument is one catalog row after normalization.
type Instrument struct {
	Symbol   string
	Board    string
	LotSize  decimal.Decimal
	TickSize decimal.Decimal
}

type fileInstrument struct {
	Board    string `yaml:"board"`
	LotSize  string `yaml:"lot_size"`
	TickSize string `yaml:"tick_size"`
}

type fileConfig struct {
	Instruments map[string]fileInstrument `yaml:"instruments"`
}

// Catalog serves lookups from an in-memory snapshot and hot-reloads when
// the backing file changes.
type Catalog struct {
	path string
	v    *viper.Viper

	mu       sync.RWMutex
	rows     map[string]Instrument
	loadedAt time.Time
	version  int64
}

// NewCatalog reads the file and starts watching it. The watch failing to
// fire is harmless: the catalog keeps serving the last good snapshot.
func NewCatalog(path string) (*Catalog, error) {
	return newCatalog(path, true)
}

// NewStaticCatalog loads the file once without a watcher, for deployments
// that treat the catalog as immutable.
func NewStaticCatalog(path string) (*Catalog, error) {
	return newCatalog(path, false)
}

func newCatalog(path string, watch bool) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("instrument catalog requires a path")
	}
	c := &Catalog{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	if !watch {
		return c, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("watching instrument catalog: %w", err)
	}
	v.OnConfigChange(func(fsnotify.Event) {
		if err := c.reload(); err != nil {
			logger.Errorf("instrument catalog reload failed, keeping previous snapshot: %v", err)
		}
	})
	v.WatchConfig()
	c.v = v
	return c, nil
}

func (c *Catalog) reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading instrument catalog: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parsing instrument catalog: %w", err)
	}

	rows := make(map[string]Instrument, len(cfg.Instruments))
	for name, fi := range cfg.Instruments {
		inst, err := normalizeInstrument(name, fi)
		if err != nil {
			return err
		}
		rows[inst.Symbol] = inst
	}

	c.mu.Lock()
	c.rows = rows
	c.loadedAt = time.Now()
	c.version++
	c.mu.Unlock()
	logger.Infof("instrument catalog loaded %d symbols from %s", len(rows), filepath.Base(c.path))
	return nil
}

func normalizeInstrument(name string, fi fileInstrument) (Instrument, error) {
	symbol := strings.ToUpper(strings.TrimSpace(name))
	if symbol == "" {
		return Instrument{}, fmt.Errorf("instrument catalog: empty symbol key")
	}
	inst := Instrument{
		Symbol:   symbol,
		Board:    strings.TrimSpace(fi.Board),
		LotSize:  decimal.NewFromInt(1),
		TickSize: decimal.RequireFromString("0.01"),
	}
	if s := strings.TrimSpace(fi.LotSize); s != "" {
		lot, err := decimal.NewFromString(s)
		if err != nil || lot.Sign() <= 0 {
			return Instrument{}, fmt.Errorf("instrument %s: bad lot_size %q", symbol, s)
		}
		inst.LotSize = lot
	}
	if s := strings.TrimSpace(fi.TickSize); s != "" {
		tick, err := decimal.NewFromString(s)
		if err != nil || tick.Sign() <= 0 {
			return Instrument{}, fmt.Errorf("instrument %s: bad tick_size %q", symbol, s)
		}
		inst.TickSize = tick
	}
	return inst, nil
}

// Lookup returns the catalog row for a symbol.
func (c *Catalog) Lookup(symbol string) (Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.rows[strings.ToUpper(strings.TrimSpace(symbol))]
	return inst, ok
}

// Symbols lists every cataloged symbol.
func (c *Catalog) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rows))
	for s := range c.rows {
		out = append(out, s)
	}
	return out
}

// Version counts reloads, for the health endpoint.
func (c *Catalog) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// CheckOrder validates quantity against the lot size and price against the
// tick size. Unknown symbols pass: the catalog is advisory, not a trading
// whitelist.
func (c *Catalog) CheckOrder(symbol string, price, qty decimal.Decimal) error {
	inst, ok := c.Lookup(symbol)
	if !ok {
		return nil
	}
	if inst.LotSize.Sign() > 0 && !qty.Mod(inst.LotSize).IsZero() {
		return &order.ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%s trades in lots of %s, got %s", inst.Symbol, inst.LotSize, qty),
		}
	}
	if price.Sign() > 0 && inst.TickSize.Sign() > 0 && !price.Mod(inst.TickSize).IsZero() {
		return &order.ValidationError{
			Field:  "price",
			Reason: fmt.Sprintf("%s ticks in steps of %s, got %s", inst.Symbol, inst.TickSize, price),
		}
	}
	return nil
}
