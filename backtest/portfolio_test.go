package backtest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func filledOrder(side OrderSide, amount int64, price, commission, stamp float64) *Order {
	return &Order{
		ID:           "order-1",
		Security:     "600000.XSHG",
		Side:         side,
		Status:       StatusFilled,
		FilledAmount: amount,
		FillPrice:    price,
		Commission:   commission,
		StampDuty:    stamp,
	}
}

func TestApplyFillBuyFoldsCommissionIntoCost(t *testing.T) {
	pf := NewPortfolio(100000)
	_, err := pf.ApplyFill(filledOrder(SideBuy, 100, 10, 5, 0))
	require.NoError(t, err)

	require.InDelta(t, 100000-1005, pf.Cash, 1e-9)
	pos := pf.Position("600000.XSHG")
	require.NotNil(t, pos)
	require.Equal(t, int64(100), pos.TotalAmount)
	require.Equal(t, int64(100), pos.LockedAmount)
	require.InDelta(t, 10.05, pos.AvgCost, 1e-9)
}

func TestApplyFillSellRealizesPnL(t *testing.T) {
	pf := NewPortfolio(100000)
	_, err := pf.ApplyFill(filledOrder(SideBuy, 100, 10, 5, 0))
	require.NoError(t, err)
	pf.UnlockT1()

	realized, err := pf.ApplyFill(filledOrder(SideSell, 100, 12, 5, 1.2))
	require.NoError(t, err)

	// proceeds 1200 - 5 - 1.2 = 1193.80, basis 1005
	require.InDelta(t, 188.80, realized, 1e-9)
	require.InDelta(t, 188.80, pf.RealizedPnL(), 1e-9)
	require.Nil(t, pf.Position("600000.XSHG"))
}

func TestRoundTripAccountingIdentity(t *testing.T) {
	pf := NewPortfolio(100000)
	_, err := pf.ApplyFill(filledOrder(SideBuy, 300, 10.37, 5, 0))
	require.NoError(t, err)
	pf.MarkToMarket(map[string]float64{"600000.XSHG": 11.02})

	pos := pf.Position("600000.XSHG")
	got := pf.TotalValue()
	want := pf.StartingCash + pf.RealizedPnL() + pos.UnrealizedPnL()
	require.InDelta(t, want, got, 1e-6)

	pf.UnlockT1()
	_, err = pf.ApplyFill(filledOrder(SideSell, 300, 11.02, 5, 3.31))
	require.NoError(t, err)

	got = pf.TotalValue()
	want = pf.StartingCash + pf.RealizedPnL()
	require.InDelta(t, want, got, 1e-6)
}

func TestUnlockT1ReleasesLockedShares(t *testing.T) {
	pf := NewPortfolio(100000)
	_, err := pf.ApplyFill(filledOrder(SideBuy, 100, 10, 5, 0))
	require.NoError(t, err)

	pos := pf.Position("600000.XSHG")
	require.Equal(t, int64(0), pos.AvailableAmount())

	pf.UnlockT1()
	require.Equal(t, int64(100), pos.AvailableAmount())
}

func TestApplyFillSellGuardsAvailability(t *testing.T) {
	pf := NewPortfolio(100000)
	_, err := pf.ApplyFill(filledOrder(SideBuy, 100, 10, 5, 0))
	require.NoError(t, err)

	// still locked today
	_, err = pf.ApplyFill(filledOrder(SideSell, 100, 12, 5, 1.2))
	require.Error(t, err)
}

func TestSnapshotSortedWithWeights(t *testing.T) {
	pf := NewPortfolio(100000)
	o1 := filledOrder(SideBuy, 100, 10, 5, 0)
	o1.Security = "600519.XSHG"
	o2 := filledOrder(SideBuy, 200, 20, 5, 0)
	o2.Security = "000001.XSHE"
	_, err := pf.ApplyFill(o1)
	require.NoError(t, err)
	_, err = pf.ApplyFill(o2)
	require.NoError(t, err)

	recs := pf.Snapshot("2023-01-03 15:00:00")
	require.Len(t, recs, 2)
	require.Equal(t, "000001.XSHE", recs[0].Security)
	require.Equal(t, "600519.XSHG", recs[1].Security)

	total := pf.TotalValue()
	require.InDelta(t, recs[0].Value/total, recs[0].Weight, 1e-9)
}
