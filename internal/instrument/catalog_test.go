package instrument

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galata/internal/order"
)

const catalogYAML = `
instruments:
  garan:
    board: BIST30
    lot_size: "1"
    tick_size: "0.01"
  THYAO:
    board: BIST30
    lot_size: "10"
    tick_size: "0.05"
  BARE: {}
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNewCatalogLoadsAndNormalizes(t *testing.T) {
	c, err := NewCatalog(writeCatalog(t, catalogYAML))
	require.NoError(t, err)

	inst, ok := c.Lookup("garan")
	require.True(t, ok, "lookups are case insensitive")
	assert.Equal(t, "GARAN", inst.Symbol)
	assert.Equal(t, "BIST30", inst.Board)

	bare, ok := c.Lookup("BARE")
	require.True(t, ok)
	assert.True(t, bare.LotSize.Equal(dec("1")), "lot defaults to 1")
	assert.True(t, bare.TickSize.Equal(dec("0.01")), "tick defaults to 0.01")

	assert.Len(t, c.Symbols(), 3)
}

func TestNewCatalogRejectsBadRows(t *testing.T) {
	_, err := NewCatalog(writeCatalog(t, "instruments:\n  GARAN:\n    lot_size: \"-5\"\n"))
	assert.Error(t, err)

	_, err = NewCatalog(writeCatalog(t, "instruments:\n  GARAN:\n    tick_size: \"abc\"\n"))
	assert.Error(t, err)

	_, err = NewCatalog("")
	assert.Error(t, err)
}

func TestCheckOrder(t *testing.T) {
	c, err := NewCatalog(writeCatalog(t, catalogYAML))
	require.NoError(t, err)

	t.Run("conforming order passes", func(t *testing.T) {
		assert.NoError(t, c.CheckOrder("THYAO", dec("311.25"), dec("20")))
	})

	t.Run("unknown symbol passes", func(t *testing.T) {
		assert.NoError(t, c.CheckOrder("UNLISTED", dec("1.2345"), dec("7")))
	})

	t.Run("off-lot quantity fails", func(t *testing.T) {
		err := c.CheckOrder("THYAO", dec("311.25"), dec("15"))
		require.Error(t, err)
		var ve *order.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "quantity", ve.Field)
	})

	t.Run("off-tick price fails", func(t *testing.T) {
		err := c.CheckOrder("THYAO", dec("311.22"), dec("20"))
		require.Error(t, err)
		var ve *order.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "price", ve.Field)
	})

	t.Run("zero price skips the tick check", func(t *testing.T) {
		assert.NoError(t, c.CheckOrder("THYAO", decimal.Zero, dec("20")))
	})
}

func TestReloadKeepsSnapshotOnFailure(t *testing.T) {
	path := writeCatalog(t, catalogYAML)
	c, err := NewCatalog(path)
	require.NoError(t, err)
	v1 := c.Version()

	require.NoError(t, os.WriteFile(path, []byte("instruments: {broken"), 0o644))
	assert.Error(t, c.reload())

	_, ok := c.Lookup("GARAN")
	assert.True(t, ok, "previous snapshot survives a bad reload")
	assert.Equal(t, v1, c.Version())
}
