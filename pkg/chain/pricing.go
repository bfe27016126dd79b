package chain

import (
	"github.com/strandchain/strand/pkg/storage"
	"github.com/strandchain/strand/pkg/types"
)

const (
	basePrice = 100000

	// fullness thresholds steering the price walk
	loadUpPct   = 70
	loadDownPct = 30
)

// PricingAgent derives a per-block gas price from block fullness and
// persists it; the previous block's price accompanies each block pushed to
// the executor.
type PricingAgent struct {
	store         storage.Store
	maxTxPerBlock int
}

func NewPricingAgent(store storage.Store, maxTxPerBlock int) *PricingAgent {
	return &PricingAgent{
		store:         store,
		maxTxPerBlock: maxTxPerBlock,
	}
}

// CalculatePrice walks the price up ~10% on full blocks and down ~5% on
// near-empty ones, floored at basePrice, and persists it for blockID.
func (p *PricingAgent) CalculatePrice(txCount int, blockID types.BlockID) (uint64, error) {
	prev := uint64(basePrice)
	if blockID > 1 {
		stored, err := p.store.GetPrice(blockID - 1)
		if err == nil {
			prev = stored
		} else if err != storage.ErrNotFound {
			return 0, err
		}
	}

	price := prev
	loadPct := 0
	if p.maxTxPerBlock > 0 {
		loadPct = txCount * 100 / p.maxTxPerBlock
	}

	switch {
	case loadPct >= loadUpPct:
		price = prev + prev/10 + 1
	case loadPct <= loadDownPct:
		price = prev - prev/20
	}

	if price < basePrice {
		price = basePrice
	}

	if err := p.store.SavePrice(blockID, price); err != nil {
		return 0, err
	}
	return price, nil
}

// ReadPrice returns the persisted price for blockID, or the base price for
// genesis and unknown heights.
func (p *PricingAgent) ReadPrice(blockID types.BlockID) (uint64, error) {
	if blockID == 0 {
		return basePrice, nil
	}

	price, err := p.store.GetPrice(blockID)
	if err == storage.ErrNotFound {
		return basePrice, nil
	}
	if err != nil {
		return 0, err
	}
	return price, nil
}
