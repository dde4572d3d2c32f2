// Package risk is the pre-trade risk gate. It is stateless: every decision is a
// function of the trade, the portfolio snapshot and the configured policy.
package risk

import (
	"fmt"
	"math"
)

// Config holds risk policy limits. Fractions, not percentages.
type Config struct {
	MaxPositionPct float64 `json:"max_position_pct"` // max notional per position as a fraction of portfolio value
	MaxLossPct     float64 `json:"max_loss_pct"`     // daily loss limit, reported with the policy
	MaxPositions   int     `json:"max_positions"`    // max concurrent positions
	OptionStopPct  float64 `json:"option_stop_pct"`  // stop distance for options
	StockStopPct   float64 `json:"stock_stop_pct"`   // stop distance for stocks
}

// DefaultConfig returns the stock risk policy
func DefaultConfig() Config {
	return Config{
		MaxPositionPct: 0.10,
		MaxLossPct:     0.15,
		MaxPositions:   10,
		OptionStopPct:  0.30,
		StockStopPct:   0.15,
	}
}

// Asset classes
const (
	AssetStock  = "STOCK"
	AssetOption = "OPTION"
)

// Trade is a proposed trade
type Trade struct {
	Symbol    string  `json:"symbol"`
	Action    string  `json:"action"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	AssetType string  `json:"asset_type"`
}

// Position is a held position
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Portfolio is the portfolio snapshot a trade is evaluated against
type Portfolio struct {
	TotalValue float64    `json:"total_value"`
	Positions  []Position `json:"positions"`
}

// Result is the outcome of one evaluation. A result that is not approved must
// stop the submission; the gate itself blocks nothing.
type Result struct {
	Approved     bool     `json:"approved"`
	PositionSize float64  `json:"position_size"`
	StopLoss     float64  `json:"stop_loss"`
	MaxLoss      float64  `json:"max_loss"`
	Warnings     []string `json:"warnings"`
}

// Gate evaluates proposed trades against policy
type Gate struct {
	cfg Config
}

// NewGate creates a risk gate. Zero limits fall back to the defaults.
func NewGate(cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.MaxPositionPct <= 0 {
		cfg.MaxPositionPct = def.MaxPositionPct
	}
	if cfg.MaxLossPct <= 0 {
		cfg.MaxLossPct = def.MaxLossPct
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = def.MaxPositions
	}
	if cfg.OptionStopPct <= 0 {
		cfg.OptionStopPct = def.OptionStopPct
	}
	if cfg.StockStopPct <= 0 {
		cfg.StockStopPct = def.StockStopPct
	}
	return &Gate{cfg: cfg}
}

// Evaluate checks a trade against every limit and collects all violations.
func (g *Gate) Evaluate(trade Trade, portfolio Portfolio) Result {
	result := Result{
		Approved:     true,
		PositionSize: trade.Quantity,
		Warnings:     []string{},
	}

	if trade.Quantity <= 0 {
		result.Approved = false
		result.Warnings = append(result.Warnings, fmt.Sprintf("Invalid quantity: %g", trade.Quantity))
	}
	if trade.Price <= 0 {
		result.Approved = false
		result.Warnings = append(result.Warnings, fmt.Sprintf("Invalid price: %g", trade.Price))
	}

	if portfolio.TotalValue <= 0 {
		// No fraction of a non-positive portfolio is within limits
		result.Approved = false
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"Invalid portfolio value: %.2f, position size cannot be checked", portfolio.TotalValue))
	} else if positionPct := trade.Quantity * trade.Price / portfolio.TotalValue; positionPct > g.cfg.MaxPositionPct {
		result.Approved = false
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"Position too large: %.1f%% of portfolio exceeds max_position_pct %.1f%%",
			positionPct*100, g.cfg.MaxPositionPct*100))
	}

	if len(portfolio.Positions) >= g.cfg.MaxPositions {
		result.Approved = false
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"Too many concurrent positions: %d (max_positions %d)",
			len(portfolio.Positions), g.cfg.MaxPositions))
	}

	result.StopLoss = g.StopLoss(trade)
	result.MaxLoss = math.Abs(trade.Price-result.StopLoss) * trade.Quantity
	return result
}

// StopLoss returns the protective stop for a trade. Options get the wider stop.
// A SELL entry is protected above the entry price.
func (g *Gate) StopLoss(trade Trade) float64 {
	pct := g.cfg.StockStopPct
	if trade.AssetType == AssetOption {
		pct = g.cfg.OptionStopPct
	}
	if trade.Action == "SELL" {
		return trade.Price * (1 + pct)
	}
	return trade.Price * (1 - pct)
}

// CalculateSafeSize returns the largest whole quantity, at most the requested
// one, that stays within the position size limit.
func (g *Gate) CalculateSafeSize(trade Trade, portfolio Portfolio) float64 {
	if trade.Price <= 0 || portfolio.TotalValue <= 0 || trade.Quantity <= 0 {
		return 0
	}
	maxShares := math.Floor(portfolio.TotalValue * g.cfg.MaxPositionPct / trade.Price)
	return math.Min(trade.Quantity, maxShares)
}

// CheckPositionLimits reports whether an open position's unrealized loss is still
// within the option stop fraction of its market value.
func (g *Gate) CheckPositionLimits(position Position) bool {
	return position.UnrealizedPnL > -(math.Abs(position.MarketValue) * g.cfg.OptionStopPct)
}

// PolicySummary returns the active limits for display
func (g *Gate) PolicySummary() Config {
	return g.cfg
}
