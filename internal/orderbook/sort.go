package orderbook

import (
	"sort"

	"github.com/rewired-gh/marketppo/internal/models"
)

func sortOrdersByID(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
}

// sortLevels orders levels best first: descending for bids, ascending for asks.
func sortLevels(levels []Level, desc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
}
