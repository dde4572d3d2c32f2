package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"trading-gateway-core/internal/orders"
)

// OrderRepository is the Postgres order store
type OrderRepository struct {
	db *DB
}

// NewOrderRepository creates an order repository
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

var _ orders.Store = (*OrderRepository)(nil)

const orderColumns = `
	order_id, strategy_id, symbol, action, quantity, order_type,
	limit_price, stop_price, trail_amount, trail_percent, offset_amount,
	time_in_force, COALESCE(good_after_time, ''), COALESCE(good_till_date, ''),
	status, filled_quantity, remaining_quantity, avg_fill_price, resolution,
	parent_id, COALESCE(oca_group, ''), asset_type, COALESCE(option_right, ''),
	strike, COALESCE(expiry, ''), COALESCE(notes, ''), submitted_at, updated_at`

const insertOrder = `
	INSERT INTO orders (
		order_id, strategy_id, symbol, action, quantity, order_type,
		limit_price, stop_price, trail_amount, trail_percent, offset_amount,
		time_in_force, good_after_time, good_till_date,
		status, filled_quantity, remaining_quantity, avg_fill_price, resolution,
		parent_id, oca_group, asset_type, option_right,
		strike, expiry, notes, submitted_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11,
		$12, NULLIF($13, ''), NULLIF($14, ''),
		$15, $16, $17, $18, $19,
		$20, NULLIF($21, ''), $22, NULLIF($23, ''),
		$24, NULLIF($25, ''), NULLIF($26, ''), $27, $28
	)
	ON CONFLICT (order_id) DO UPDATE SET
		strategy_id = EXCLUDED.strategy_id,
		symbol = EXCLUDED.symbol,
		action = EXCLUDED.action,
		quantity = EXCLUDED.quantity,
		order_type = EXCLUDED.order_type,
		limit_price = EXCLUDED.limit_price,
		stop_price = EXCLUDED.stop_price,
		trail_amount = EXCLUDED.trail_amount,
		trail_percent = EXCLUDED.trail_percent,
		offset_amount = EXCLUDED.offset_amount,
		time_in_force = EXCLUDED.time_in_force,
		good_after_time = EXCLUDED.good_after_time,
		good_till_date = EXCLUDED.good_till_date,
		status = EXCLUDED.status,
		filled_quantity = EXCLUDED.filled_quantity,
		remaining_quantity = EXCLUDED.remaining_quantity,
		avg_fill_price = EXCLUDED.avg_fill_price,
		resolution = EXCLUDED.resolution,
		parent_id = EXCLUDED.parent_id,
		oca_group = EXCLUDED.oca_group,
		asset_type = EXCLUDED.asset_type,
		option_right = EXCLUDED.option_right,
		strike = EXCLUDED.strike,
		expiry = EXCLUDED.expiry,
		notes = EXCLUDED.notes,
		submitted_at = COALESCE(EXCLUDED.submitted_at, orders.submitted_at)`

// upsertOrder only rewrites rows whose order state differs. Timestamps are not
// part of the comparison, so replaying the same snapshot touches nothing.
const upsertOrder = insertOrder + `
	WHERE (
		orders.strategy_id, orders.symbol, orders.action, orders.quantity, orders.order_type,
		orders.limit_price, orders.stop_price, orders.trail_amount, orders.trail_percent, orders.offset_amount,
		orders.time_in_force, orders.good_after_time, orders.good_till_date,
		orders.status, orders.filled_quantity, orders.remaining_quantity, orders.avg_fill_price, orders.resolution,
		orders.parent_id, orders.oca_group, orders.asset_type, orders.option_right,
		orders.strike, orders.expiry, orders.notes
	) IS DISTINCT FROM (
		EXCLUDED.strategy_id, EXCLUDED.symbol, EXCLUDED.action, EXCLUDED.quantity, EXCLUDED.order_type,
		EXCLUDED.limit_price, EXCLUDED.stop_price, EXCLUDED.trail_amount, EXCLUDED.trail_percent, EXCLUDED.offset_amount,
		EXCLUDED.time_in_force, EXCLUDED.good_after_time, EXCLUDED.good_till_date,
		EXCLUDED.status, EXCLUDED.filled_quantity, EXCLUDED.remaining_quantity, EXCLUDED.avg_fill_price, EXCLUDED.resolution,
		EXCLUDED.parent_id, EXCLUDED.oca_group, EXCLUDED.asset_type, EXCLUDED.option_right,
		EXCLUDED.strike, EXCLUDED.expiry, EXCLUDED.notes
	)`

func orderArgs(o *orders.Order) []interface{} {
	var submittedAt *time.Time
	if !o.SubmittedAt.IsZero() {
		t := o.SubmittedAt
		submittedAt = &t
	}
	updatedAt := o.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	assetType := o.AssetType
	if assetType == "" {
		assetType = orders.AssetStock
	}
	tif := o.TimeInForce
	if tif == "" {
		tif = orders.TIFDay
	}

	return []interface{}{
		o.OrderID, o.StrategyID, o.Symbol, o.Action, o.Quantity, o.OrderType,
		o.LimitPrice, o.StopPrice, o.TrailAmount, o.TrailPercent, o.OffsetAmount,
		tif, o.GoodAfterTime, o.GoodTillDate,
		string(o.Status), o.FilledQuantity, o.RemainingQuantity, o.AvgFillPrice, string(o.Resolution),
		o.ParentID, o.OcaGroup, assetType, o.OptionRight,
		o.Strike, o.Expiry, o.Notes, submittedAt, updatedAt,
	}
}

func scanOrder(row pgx.Row) (*orders.Order, error) {
	o := &orders.Order{}
	var status, resolution string
	var submittedAt *time.Time

	err := row.Scan(
		&o.OrderID, &o.StrategyID, &o.Symbol, &o.Action, &o.Quantity, &o.OrderType,
		&o.LimitPrice, &o.StopPrice, &o.TrailAmount, &o.TrailPercent, &o.OffsetAmount,
		&o.TimeInForce, &o.GoodAfterTime, &o.GoodTillDate,
		&status, &o.FilledQuantity, &o.RemainingQuantity, &o.AvgFillPrice, &resolution,
		&o.ParentID, &o.OcaGroup, &o.AssetType, &o.OptionRight,
		&o.Strike, &o.Expiry, &o.Notes, &submittedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = orders.Status(status)
	o.Resolution = orders.Resolution(resolution)
	if submittedAt != nil {
		o.SubmittedAt = *submittedAt
	}
	return o, nil
}

// Save inserts or replaces an order. Store write failures are returned, never dropped.
func (r *OrderRepository) Save(ctx context.Context, o *orders.Order) error {
	if _, err := r.db.Pool.Exec(ctx, insertOrder, orderArgs(o)...); err != nil {
		return fmt.Errorf("failed to save order %d: %w", o.OrderID, err)
	}
	return nil
}

// Upsert writes the order if its state changed and reports whether it did
func (r *OrderRepository) Upsert(ctx context.Context, o *orders.Order) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, upsertOrder, orderArgs(o)...)
	if err != nil {
		return false, fmt.Errorf("failed to upsert order %d: %w", o.OrderID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves one order by gateway id
func (r *OrderRepository) Get(ctx context.Context, orderID int64) (*orders.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_id = $1`

	o, err := scanOrder(r.db.Pool.QueryRow(ctx, query, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, orders.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", orderID, err)
	}
	return o, nil
}

// OpenOrders returns every order in the open set
func (r *OrderRepository) OpenOrders(ctx context.Context) ([]*orders.Order, error) {
	return r.List(ctx, orders.Filter{OpenOnly: true})
}

// List returns orders matching the filter, oldest id first
func (r *OrderRepository) List(ctx context.Context, filter orders.Filter) ([]*orders.Order, error) {
	var where []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.Symbol != "" {
		add("symbol = $%d", filter.Symbol)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.OcaGroup != "" {
		add("oca_group = $%d", filter.OcaGroup)
	}
	if filter.OpenOnly {
		open := make([]string, len(orders.OpenStatuses))
		for i, s := range orders.OpenStatuses {
			open[i] = string(s)
		}
		add("status = ANY($%d)", open)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY order_id`

	return r.queryOrders(ctx, query, args...)
}

// ByStrategy returns the orders originated by a strategy
func (r *OrderRepository) ByStrategy(ctx context.Context, strategyID int64) ([]*orders.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE strategy_id = $1 ORDER BY order_id`
	return r.queryOrders(ctx, query, strategyID)
}

// Brackets assembles every bracket from orders sharing an OCA label with more
// than one member.
func (r *OrderRepository) Brackets(ctx context.Context) ([]*orders.Bracket, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE oca_group IN (
			SELECT oca_group FROM orders
			WHERE oca_group IS NOT NULL
			GROUP BY oca_group
			HAVING COUNT(*) > 1
		)
		ORDER BY oca_group, order_id`

	members, err := r.queryOrders(ctx, query)
	if err != nil {
		return nil, err
	}
	return orders.GroupBrackets(members), nil
}

// BracketByGroup assembles the bracket with the given OCA label
func (r *OrderRepository) BracketByGroup(ctx context.Context, ocaGroup string) (*orders.Bracket, error) {
	members, err := r.List(ctx, orders.Filter{OcaGroup: ocaGroup})
	if err != nil {
		return nil, err
	}
	brackets := orders.GroupBrackets(members)
	if len(brackets) == 0 {
		return nil, fmt.Errorf("bracket %s: %w", ocaGroup, orders.ErrNotFound)
	}
	return brackets[0], nil
}

// Delete removes an order row (administrative cleanup)
func (r *OrderRepository) Delete(ctx context.Context, orderID int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM orders WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("failed to delete order %d: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", orderID, orders.ErrNotFound)
	}
	return nil
}

// Ping checks database reachability
func (r *OrderRepository) Ping(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// CreateStrategy registers a strategy by name and returns its id. An existing
// name returns the existing id.
func (r *OrderRepository) CreateStrategy(ctx context.Context, name, description string) (int64, error) {
	query := `
		INSERT INTO strategies (name, description)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id`

	var id int64
	if err := r.db.Pool.QueryRow(ctx, query, name, description).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create strategy %q: %w", name, err)
	}
	return id, nil
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*orders.Order, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var list []*orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		list = append(list, o)
	}
	return list, rows.Err()
}
