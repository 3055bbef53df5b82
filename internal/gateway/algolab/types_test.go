package algolab

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"galata/internal/pkg/brokererr"
)

func TestParseEnvelope(t *testing.T) {
	t.Run("isSuccess true returns content", func(t *testing.T) {
		content, err := parseEnvelope("/api/SendOrder", []byte(`{"isSuccess":true,"message":"","content":{"orderId":"A123"}}`))
		require.NoError(t, err)
		assert.Equal(t, "A123", content.Get("orderId").String())
	})

	t.Run("legacy success key accepted", func(t *testing.T) {
		content, err := parseEnvelope("/api/GetSubAccounts", []byte(`{"success":true,"content":[{"number":"100"}]}`))
		require.NoError(t, err)
		assert.Equal(t, "100", content.Array()[0].Get("number").String())
	})

	t.Run("refusal becomes broker error", func(t *testing.T) {
		_, err := parseEnvelope("/api/DeleteOrder", []byte(`{"isSuccess":false,"message":"Emir bulunamadı"}`))
		require.Error(t, err)
		assert.True(t, brokererr.IsRejection(err))
		assert.Equal(t, brokererr.CodeNotFound, brokererr.RejectionCode(err))
	})

	t.Run("missing flag is malformed", func(t *testing.T) {
		_, err := parseEnvelope("/api/SendOrder", []byte(`{"content":{}}`))
		require.Error(t, err)
		assert.False(t, brokererr.IsRejection(err))
	})

	t.Run("invalid json is malformed", func(t *testing.T) {
		_, err := parseEnvelope("/api/SendOrder", []byte(`<html>bad gateway</html>`))
		assert.Error(t, err)
	})
}

func TestNormalizeRejection(t *testing.T) {
	assert.Equal(t, brokererr.CodeAlreadyFilled, normalizeRejection("Emir gerçekleşti"))
	assert.Equal(t, brokererr.CodeNotFound, normalizeRejection("Emir bulunamadı"))
	assert.Equal(t, brokererr.CodeNotFound, normalizeRejection("order not found"))
	assert.Equal(t, brokererr.CodeAuthExpired, normalizeRejection("Oturum süresi doldu"))
	assert.Equal(t, brokererr.CodeAuthExpired, normalizeRejection("invalid token"))
	assert.Equal(t, brokererr.CodeRejected, normalizeRejection("Yetersiz bakiye"))
}

func TestParseTransaction(t *testing.T) {
	t.Run("partial fill from size delta", func(t *testing.T) {
		row := gjson.Parse(`{
			"transactionId": "TX-1",
			"ticker": "garan",
			"buysell": "Alış",
			"ordersize": "100",
			"remainingsize": "40",
			"waitingprice": "27.50",
			"price": "27.48",
			"equityStatusDescription": "WAITING",
			"description": "Kısmi İletildi"
		}`)
		tx := parseTransaction(row)
		assert.Equal(t, "TX-1", tx.BrokerID)
		assert.Equal(t, "GARAN", tx.Symbol)
		assert.Equal(t, "BUY", tx.Side)
		assert.True(t, tx.FilledQty.Equal(decimal.NewFromInt(60)))
		assert.True(t, tx.RemainingQty.Equal(decimal.NewFromInt(40)))
		assert.True(t, tx.Working())
	})

	t.Run("done row with missing remaining counts as full fill", func(t *testing.T) {
		row := gjson.Parse(`{
			"transactionId": "TX-2",
			"ticker": "THYAO",
			"buysell": "Satış",
			"ordersize": 250,
			"price": 311.25,
			"equityStatusDescription": "DONE"
		}`)
		tx := parseTransaction(row)
		assert.Equal(t, "SELL", tx.Side)
		assert.True(t, tx.FilledQty.Equal(decimal.NewFromInt(250)))
		assert.True(t, tx.RemainingQty.IsZero())
		assert.False(t, tx.Working())
	})

	t.Run("atpref id fallback", func(t *testing.T) {
		row := gjson.Parse(`{"atpref":"AT-9","ticker":"AKBNK","buysell":"BUY","ordersize":"10","remainingsize":"10","equityStatusDescription":"DELETED"}`)
		tx := parseTransaction(row)
		assert.Equal(t, "AT-9", tx.BrokerID)
		assert.True(t, tx.FilledQty.IsZero())
		assert.False(t, tx.Working())
	})

	t.Run("working falls back to description", func(t *testing.T) {
		row := gjson.Parse(`{"transactionId":"TX-3","ticker":"SISE","buysell":"Alış","ordersize":"5","remainingsize":"5","description":"İletildi"}`)
		assert.True(t, parseTransaction(row).Working())
	})
}

func TestParsePositionReport(t *testing.T) {
	row := gjson.Parse(`{"code":"garan","totalstock":"1500","maliyet":"26.80","unitprice":"27.10","profit":"450.00"}`)
	rep := parsePositionReport(row)
	assert.Equal(t, "GARAN", rep.Symbol)
	assert.True(t, rep.Quantity.Equal(decimal.NewFromInt(1500)))
	assert.True(t, rep.Cost.Equal(decimal.RequireFromString("26.80")))
	assert.True(t, rep.UnitPrice.Equal(decimal.RequireFromString("27.10")))
}

func TestDecFrom(t *testing.T) {
	assert.True(t, decFrom(gjson.Parse(`"12.5"`)).Equal(decimal.RequireFromString("12.5")))
	assert.True(t, decFrom(gjson.Parse(`12.5`)).Equal(decimal.RequireFromString("12.5")))
	assert.True(t, decFrom(gjson.Parse(`""`)).IsZero())
	assert.True(t, decFrom(gjson.Parse(`"n/a"`)).IsZero())
}
