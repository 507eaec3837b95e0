package models

import (
	"math"
	"testing"
)

func TestOrderValidate(t *testing.T) {
	tests := []struct {
		name    string
		order   Order
		wantErr bool
	}{
		{
			name:    "valid limit",
			order:   Order{Market: "Market", Side: SideBuy, Kind: KindLimit, Price: 300, Volume: 1},
			wantErr: false,
		},
		{
			name:    "valid market ignores price",
			order:   Order{Market: "Market", Side: SideSell, Kind: KindMarket, Volume: 5},
			wantErr: false,
		},
		{
			name:    "zero volume",
			order:   Order{Market: "Market", Side: SideBuy, Kind: KindLimit, Price: 300},
			wantErr: true,
		},
		{
			name:    "limit without price",
			order:   Order{Market: "Market", Side: SideBuy, Kind: KindLimit, Volume: 1},
			wantErr: true,
		},
		{
			name:    "missing market",
			order:   Order{Side: SideBuy, Kind: KindMarket, Volume: 1},
			wantErr: true,
		},
		{
			name:    "negative ttl",
			order:   Order{Market: "Market", Side: SideBuy, Kind: KindMarket, Volume: 1, TTL: -1},
			wantErr: true,
		},
		{
			name:    "unknown side",
			order:   Order{Market: "Market", Side: Side(9), Kind: KindMarket, Volume: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.order.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Order.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOrderExpired(t *testing.T) {
	o := Order{Step: 10, TTL: 5}
	if o.Expired(14) {
		t.Error("order should still rest at step 14")
	}
	if !o.Expired(15) {
		t.Error("order should expire at step 15")
	}
	forever := Order{Step: 0}
	if forever.Expired(1 << 20) {
		t.Error("ttl 0 must never expire")
	}
}

func TestSignalValidate(t *testing.T) {
	tests := []struct {
		name    string
		signal  Signal
		wantErr bool
	}{
		{"valid", Signal{Session: "main", Step: 3, Agreement: 0.7, Direction: -0.2}, false},
		{"no session", Signal{Step: 3, Agreement: 0.7}, true},
		{"negative step", Signal{Session: "main", Step: -1}, true},
		{"agreement above one", Signal{Session: "main", Agreement: 1.2}, true},
		{"nan agreement", Signal{Session: "main", Agreement: math.NaN()}, true},
		{"direction out of range", Signal{Session: "main", Direction: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.signal.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Signal.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite must swap buy and sell")
	}
}
