package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rewired-gh/marketppo/internal/models"
)

func limit(id int64, agent int, side models.Side, price, volume int64) models.Order {
	return models.Order{ID: id, AgentID: agent, Market: "Market", Side: side, Kind: models.KindLimit, Price: price, Volume: volume}
}

func market(id int64, agent int, side models.Side, volume int64) models.Order {
	return models.Order{ID: id, AgentID: agent, Market: "Market", Side: side, Kind: models.KindMarket, Volume: volume}
}

func TestBook_MarketBuyAgainstRestingAsk(t *testing.T) {
	b := New()
	require.NoError(t, b.Rest(limit(1, 2, models.SideSell, 5, 10)))

	fills, remaining, err := b.Submit(market(2, 1, models.SideBuy, 5))
	require.NoError(t, err)
	assert.Zero(t, remaining)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(5), fills[0].Price)
	assert.Equal(t, int64(5), fills[0].Volume)
	assert.Equal(t, 1, fills[0].BuyAgent)
	assert.Equal(t, 2, fills[0].SellAgent)

	price, volume, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, int64(5), price)
	assert.Equal(t, int64(5), volume)
}

func TestBook_MarketOrderWalksLevels(t *testing.T) {
	b := New()
	require.NoError(t, b.Rest(limit(1, 2, models.SideSell, 101, 3)))
	require.NoError(t, b.Rest(limit(2, 3, models.SideSell, 100, 2)))
	require.NoError(t, b.Rest(limit(3, 4, models.SideSell, 102, 1)))

	fills, remaining, err := b.Submit(market(4, 1, models.SideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(4), remaining, "market residual is returned, not rested")
	require.Len(t, fills, 3)
	assert.Equal(t, []int64{100, 101, 102}, []int64{fills[0].Price, fills[1].Price, fills[2].Price})
	assert.Zero(t, b.Len())
}

func TestBook_MarketBuyStopsAtBudget(t *testing.T) {
	b := New()
	require.NoError(t, b.Rest(limit(1, 2, models.SideSell, 10, 3)))
	require.NoError(t, b.Rest(limit(2, 2, models.SideSell, 12, 3)))

	taker := market(3, 1, models.SideBuy, 5)
	taker.Budget = 50
	fills, remaining, err := b.Submit(taker)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
	require.Len(t, fills, 2)
	assert.Equal(t, int64(10), fills[0].Price)
	assert.Equal(t, int64(3), fills[0].Volume)
	assert.Equal(t, int64(12), fills[1].Price)
	assert.Equal(t, int64(1), fills[1].Volume)

	price, volume, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, int64(12), price)
	assert.Equal(t, int64(2), volume)

	taker = market(4, 1, models.SideBuy, 2)
	taker.Budget = 11
	fills, remaining, err = b.Submit(taker)
	require.NoError(t, err)
	assert.Empty(t, fills, "budget below the best ask buys nothing")
	assert.Equal(t, int64(2), remaining)
}

func TestBook_FIFOWithinLevel(t *testing.T) {
	b := New()
	require.NoError(t, b.Rest(limit(1, 7, models.SideBuy, 50, 2)))
	require.NoError(t, b.Rest(limit(2, 8, models.SideBuy, 50, 2)))

	fills, _, err := b.Submit(limit(3, 9, models.SideSell, 50, 3))
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, 7, fills[0].BuyAgent)
	assert.Equal(t, int64(2), fills[0].Volume)
	assert.Equal(t, 8, fills[1].BuyAgent)
	assert.Equal(t, int64(1), fills[1].Volume)

	rest, ok := b.Get(2)
	require.True(t, ok)
	assert.Equal(t, int64(1), rest.Volume)
}

func TestBook_LimitResidualRests(t *testing.T) {
	b := New()
	require.NoError(t, b.Rest(limit(1, 2, models.SideSell, 10, 1)))

	fills, remaining, err := b.Submit(limit(2, 1, models.SideBuy, 11, 4))
	require.NoError(t, err)
	assert.Zero(t, remaining)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(10), fills[0].Price, "taker trades at maker price")

	bid, vol, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, int64(11), bid)
	assert.Equal(t, int64(3), vol)
	assert.False(t, b.Crossed())
}

func TestBook_DuplicateAndInvalid(t *testing.T) {
	b := New()
	require.NoError(t, b.Rest(limit(1, 1, models.SideBuy, 10, 1)))
	assert.ErrorIs(t, b.Rest(limit(1, 1, models.SideBuy, 10, 1)), ErrDuplicateID)
	assert.ErrorIs(t, b.Rest(limit(2, 1, models.SideBuy, 0, 1)), ErrInvalidOrder)
	_, _, err := b.Submit(market(3, 1, models.SideBuy, 0))
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestBook_Cancel(t *testing.T) {
	b := New()
	require.NoError(t, b.Rest(limit(1, 1, models.SideBuy, 10, 4)))

	o, err := b.Cancel(1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), o.Volume)
	_, _, ok := b.BestBid()
	assert.False(t, ok, "empty level must be removed")

	_, err = b.Cancel(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBook_UncrossOlderOrderSetsPrice(t *testing.T) {
	b := New()
	require.NoError(t, b.Rest(limit(1, 1, models.SideSell, 98, 3)))
	require.NoError(t, b.Rest(limit(2, 2, models.SideBuy, 102, 5)))
	require.True(t, b.Crossed())

	fills := b.Uncross(7)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(98), fills[0].Price)
	assert.Equal(t, int64(3), fills[0].Volume)
	assert.Equal(t, models.SideBuy, fills[0].TakerSide)
	assert.Equal(t, 7, fills[0].Step)
	assert.False(t, b.Crossed())
}

func TestBook_Expire(t *testing.T) {
	b := New()
	o := limit(1, 1, models.SideBuy, 10, 1)
	o.Step, o.TTL = 0, 3
	require.NoError(t, b.Rest(o))
	require.NoError(t, b.Rest(limit(2, 1, models.SideBuy, 9, 1)))

	assert.Empty(t, b.Expire(2))
	expired := b.Expire(3)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(1), expired[0].ID)
	assert.Equal(t, 1, b.Len())
}

func TestBook_DepthAndVolumeBetween(t *testing.T) {
	b := New()
	require.NoError(t, b.Rest(limit(1, 1, models.SideBuy, 10, 1)))
	require.NoError(t, b.Rest(limit(2, 1, models.SideBuy, 12, 2)))
	require.NoError(t, b.Rest(limit(3, 1, models.SideBuy, 12, 3)))

	depth := b.Depth(models.SideBuy)
	assert.Equal(t, []Level{{Price: 12, Volume: 5}, {Price: 10, Volume: 1}}, depth)
	assert.Equal(t, int64(5), b.VolumeBetween(models.SideBuy, 11, 20))
	assert.Len(t, b.AgentOrders(1), 3)
}

func TestProperty_NoCrossedBookAfterMatching(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New()
		n := rapid.IntRange(1, 60).Draw(t, "n")
		for i := 0; i < n; i++ {
			side := models.Side(rapid.IntRange(0, 1).Draw(t, "side"))
			price := rapid.Int64Range(90, 110).Draw(t, "price")
			volume := rapid.Int64Range(1, 20).Draw(t, "volume")
			o := limit(int64(i+1), i%5, side, price, volume)
			if rapid.Bool().Draw(t, "direct") {
				if _, _, err := b.Submit(o); err != nil {
					t.Fatalf("submit: %v", err)
				}
			} else if err := b.Rest(o); err != nil {
				t.Fatalf("rest: %v", err)
			}
		}
		b.Uncross(0)
		if b.Crossed() {
			bid, _, _ := b.BestBid()
			ask, _, _ := b.BestAsk()
			t.Fatalf("book is crossed: best bid %d >= best ask %d", bid, ask)
		}
	})
}

func TestProperty_VolumeConserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New()
		var submitted, filled, unfilled int64
		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			side := models.Side(rapid.IntRange(0, 1).Draw(t, "side"))
			volume := rapid.Int64Range(1, 10).Draw(t, "volume")
			var o models.Order
			if rapid.Bool().Draw(t, "market") {
				o = market(int64(i+1), 0, side, volume)
			} else {
				o = limit(int64(i+1), 0, side, rapid.Int64Range(95, 105).Draw(t, "price"), volume)
			}
			submitted += volume
			fills, remaining, err := b.Submit(o)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			for _, f := range fills {
				filled += 2 * f.Volume
			}
			unfilled += remaining
		}
		var resting int64
		for _, side := range []models.Side{models.SideBuy, models.SideSell} {
			for _, l := range b.Depth(side) {
				resting += l.Volume
			}
		}
		if submitted != filled+unfilled+resting {
			t.Fatalf("volume leak: submitted %d != filled %d + unfilled %d + resting %d", submitted, filled, unfilled, resting)
		}
	})
}
