package api

import (
	"net/http"
	"strconv"

	"trading-gateway-core/internal/broker"
	"trading-gateway-core/internal/orders"
	"trading-gateway-core/internal/risk"

	"github.com/gin-gonic/gin"
)

// PlaceOrderRequest is the body of POST /api/orders. ReferencePrice prices
// orders that carry no limit or stop price for the risk check.
type PlaceOrderRequest struct {
	Symbol         string   `json:"symbol"`
	Action         string   `json:"action"`
	Quantity       float64  `json:"quantity"`
	OrderType      string   `json:"order_type"`
	LimitPrice     *float64 `json:"limit_price,omitempty"`
	StopPrice      *float64 `json:"stop_price,omitempty"`
	TrailAmount    *float64 `json:"trail_amount,omitempty"`
	TrailPercent   *float64 `json:"trail_percent,omitempty"`
	TimeInForce    string   `json:"time_in_force,omitempty"`
	GoodAfterTime  string   `json:"good_after_time,omitempty"`
	GoodTillDate   string   `json:"good_till_date,omitempty"`
	AssetType      string   `json:"asset_type,omitempty"`
	OptionRight    string   `json:"option_right,omitempty"`
	Strike         *float64 `json:"strike,omitempty"`
	Expiry         string   `json:"expiry,omitempty"`
	StrategyID     *int64   `json:"strategy_id,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	ReferencePrice float64  `json:"reference_price,omitempty"`
}

func (r PlaceOrderRequest) toOrder() *orders.Order {
	assetType := r.AssetType
	if assetType == "" {
		assetType = orders.AssetStock
	}
	return &orders.Order{
		Symbol:        r.Symbol,
		Action:        r.Action,
		Quantity:      r.Quantity,
		OrderType:     r.OrderType,
		LimitPrice:    r.LimitPrice,
		StopPrice:     r.StopPrice,
		TrailAmount:   r.TrailAmount,
		TrailPercent:  r.TrailPercent,
		TimeInForce:   r.TimeInForce,
		GoodAfterTime: r.GoodAfterTime,
		GoodTillDate:  r.GoodTillDate,
		AssetType:     assetType,
		OptionRight:   r.OptionRight,
		Strike:        r.Strike,
		Expiry:        r.Expiry,
		StrategyID:    r.StrategyID,
		Notes:         r.Notes,
	}
}

// PlaceBracketRequest is the body of POST /api/orders/bracket. A missing
// entry price makes the entry a market order.
type PlaceBracketRequest struct {
	Symbol         string   `json:"symbol"`
	Action         string   `json:"action"`
	Quantity       float64  `json:"quantity"`
	EntryPrice     *float64 `json:"entry_price,omitempty"`
	TargetPrice    float64  `json:"target_price"`
	StopPrice      float64  `json:"stop_price"`
	TimeInForce    string   `json:"time_in_force,omitempty"`
	AssetType      string   `json:"asset_type,omitempty"`
	StrategyID     *int64   `json:"strategy_id,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	ReferencePrice float64  `json:"reference_price,omitempty"`
}

func (r PlaceBracketRequest) legs() (main, target, stop *orders.Order) {
	assetType := r.AssetType
	if assetType == "" {
		assetType = orders.AssetStock
	}
	exitTIF := r.TimeInForce
	if exitTIF == "" {
		exitTIF = orders.TIFGoodTill
	}

	leg := func(action, orderType, tif string) *orders.Order {
		return &orders.Order{
			Symbol:      r.Symbol,
			Action:      action,
			Quantity:    r.Quantity,
			OrderType:   orderType,
			TimeInForce: tif,
			AssetType:   assetType,
			StrategyID:  r.StrategyID,
			Notes:       r.Notes,
		}
	}

	exit := orders.OppositeAction(r.Action)
	if r.EntryPrice != nil {
		main = leg(r.Action, orders.TypeLimit, r.TimeInForce)
		main.LimitPrice = orders.Float(*r.EntryPrice)
	} else {
		main = leg(r.Action, orders.TypeMarket, r.TimeInForce)
	}
	target = leg(exit, orders.TypeLimit, exitTIF)
	target.LimitPrice = orders.Float(r.TargetPrice)
	stop = leg(exit, orders.TypeStop, exitTIF)
	stop.StopPrice = orders.Float(r.StopPrice)
	return main, target, stop
}

// TrailingStopBody is the body of POST /api/orders/trailing-stop
type TrailingStopBody struct {
	broker.TrailingStopRequest
	ReferencePrice float64 `json:"reference_price,omitempty"`
}

func parseOrderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		errorResponse(c, http.StatusBadRequest, "invalid order id")
		return 0, false
	}
	return id, true
}

// handleGetOpenOrders returns open orders, optionally filtered by symbol and status
func (s *Server) handleGetOpenOrders(c *gin.Context) {
	filter := orders.Filter{
		Symbol: c.Query("symbol"),
		Status: orders.Status(c.Query("status")),
	}

	result, err := s.orders.GetOpenOrders(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"orders":  result.Orders,
		"count":   len(result.Orders),
		"source":  result.Source,
	})
}

// handleGetBrackets returns brackets with their derived status
func (s *Server) handleGetBrackets(c *gin.Context) {
	result, err := s.orders.GetBrackets(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	type bracketView struct {
		OcaGroup string          `json:"oca_group"`
		Status   string          `json:"status"`
		Complete bool            `json:"complete"`
		Legs     []*orders.Order `json:"legs"`
	}
	views := make([]bracketView, 0, len(result.Brackets))
	for _, b := range result.Brackets {
		views = append(views, bracketView{
			OcaGroup: b.OcaGroup,
			Status:   b.Status(),
			Complete: b.IsComplete(),
			Legs:     b.Legs(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"brackets": views,
		"count":    len(views),
		"source":   result.Source,
	})
}

// handlePlaceOrder submits a single order
func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	placed, err := s.orders.Submit(c.Request.Context(), req.toOrder(), req.ReferencePrice)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"order":   placed,
	})
}

// handlePlaceBracket submits an entry with a profit target and a stop loss
func (s *Server) handlePlaceBracket(c *gin.Context) {
	var req PlaceBracketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	main, target, stop := req.legs()
	b, err := s.orders.SubmitBracket(c.Request.Context(), main, target, stop, req.ReferencePrice)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":       true,
		"oca_group":     b.OcaGroup,
		"status":        b.Status(),
		"main":          b.Main,
		"profit_target": b.ProfitTarget,
		"stop_loss":     b.StopLoss,
	})
}

// handlePlaceTrailingStop submits a trailing stop
func (s *Server) handlePlaceTrailingStop(c *gin.Context) {
	var req TrailingStopBody
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	placed, err := s.orders.SubmitTrailingStop(c.Request.Context(), req.TrailingStopRequest, req.ReferencePrice)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"order":   placed,
	})
}

// handleCancelOrder requests cancellation of an open order
func (s *Server) handleCancelOrder(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}

	cancelled, err := s.orders.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	successResponse(c, cancelled)
}

// handleModifyOrder changes price, quantity or trail of an open order
func (s *Server) handleModifyOrder(c *gin.Context) {
	id, ok := parseOrderID(c)
	if !ok {
		return
	}

	var req broker.ModifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.IsEmpty() {
		errorResponse(c, http.StatusBadRequest, "no changes requested")
		return
	}

	modified, err := s.orders.Modify(c.Request.Context(), id, req)
	if err != nil {
		writeError(c, err)
		return
	}

	successResponse(c, modified)
}

// handleEvaluateRisk runs the risk gate without submitting anything
func (s *Server) handleEvaluateRisk(c *gin.Context) {
	var trade risk.Trade
	if err := c.ShouldBindJSON(&trade); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if trade.AssetType == "" {
		trade.AssetType = risk.AssetStock
	}

	result, err := s.orders.EvaluateRisk(c.Request.Context(), trade)
	if err != nil {
		writeError(c, err)
		return
	}

	successResponse(c, result)
}

// handleGetRiskPolicy returns the active risk limits
func (s *Server) handleGetRiskPolicy(c *gin.Context) {
	successResponse(c, s.orders.RiskPolicy())
}

// handleReconcileStatus reports the last reconciliation pass
func (s *Server) handleReconcileStatus(c *gin.Context) {
	if s.reconcile == nil {
		errorResponse(c, http.StatusNotFound, "reconciliation is disabled")
		return
	}
	successResponse(c, s.reconcile.Status())
}

// handleReconcileRun forces a reconciliation pass
func (s *Server) handleReconcileRun(c *gin.Context) {
	if s.reconcile == nil {
		errorResponse(c, http.StatusNotFound, "reconciliation is disabled")
		return
	}

	result, err := s.reconcile.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	successResponse(c, result)
}
