package rating

import (
	"github.com/neo/debatearena_backend/internal/types"
)

// Stake is one bet entering settlement
type Stake struct {
	BetID  int64
	Bettor string
	Side   types.Side
	Amount int64 // minor units, non-negative
}

// Payout is the settled result for one bet
type Payout struct {
	BetID  int64
	Bettor string
	Amount int64
}

// SettleBets distributes the stake pools for a finished contest.
//
// Parimutuel per side: each winning bettor gets their stake back plus a
// pro-rata share of the losing pool, truncated toward zero. The truncation
// residual is burned. On a tie every bettor is refunded. If the winning
// side holds no bets the losing pool is retained unclaimed.
func SettleBets(stakes []Stake, winner types.Side) []Payout {
	payouts := make([]Payout, 0, len(stakes))

	if winner == types.SideNone {
		for _, s := range stakes {
			payouts = append(payouts, Payout{BetID: s.BetID, Bettor: s.Bettor, Amount: s.Amount})
		}
		return payouts
	}

	var winPool, losePool int64
	for _, s := range stakes {
		if s.Side == winner {
			winPool += s.Amount
		} else {
			losePool += s.Amount
		}
	}

	if winPool == 0 {
		// Nobody backed the winner; losing stakes are retained.
		for _, s := range stakes {
			payouts = append(payouts, Payout{BetID: s.BetID, Bettor: s.Bettor, Amount: 0})
		}
		return payouts
	}

	for _, s := range stakes {
		var amount int64
		if s.Side == winner {
			amount = s.Amount + s.Amount*losePool/winPool
		}
		payouts = append(payouts, Payout{BetID: s.BetID, Bettor: s.Bettor, Amount: amount})
	}
	return payouts
}
