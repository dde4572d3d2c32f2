// Command order-report summarizes stored orders per symbol: fills, cancels,
// rejections and how terminal states were reached, plus the current bracket
// statuses. It reads the order store only and never contacts the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"trading-gateway-core/config"
	"trading-gateway-core/internal/database"
	"trading-gateway-core/internal/logging"
	"trading-gateway-core/internal/orders"

	"github.com/joho/godotenv"
)

// SymbolStats aggregates the stored orders of one symbol
type SymbolStats struct {
	Symbol         string
	TotalOrders    int
	Open           int
	Filled         int
	Cancelled      int
	Rejected       int
	ImplicitFills  int
	FilledQuantity float64
	Notional       float64
}

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	symbol := flag.String("symbol", "", "only report this symbol")
	strategyID := flag.Int64("strategy", 0, "only report orders of this strategy id")
	flag.Parse()

	exe, _ := os.Executable()
	godotenv.Load()
	godotenv.Load(filepath.Join(filepath.Dir(exe), ".env"))

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{Level: "WARN", Output: "stderr", Component: "order-report"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewOrderRepository(db)

	var list []*orders.Order
	if *strategyID > 0 {
		list, err = repo.ByStrategy(ctx, *strategyID)
	} else {
		list, err = repo.List(ctx, orders.Filter{Symbol: strings.ToUpper(*symbol)})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load orders: %v\n", err)
		os.Exit(1)
	}

	if len(list) == 0 {
		fmt.Println("No stored orders found")
		return
	}

	stats := summarize(list, strings.ToUpper(*symbol))
	printTable(stats)

	brackets, err := repo.Brackets(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load brackets: %v\n", err)
		os.Exit(1)
	}
	printBrackets(brackets, strings.ToUpper(*symbol))
}

func summarize(list []*orders.Order, symbol string) []*SymbolStats {
	bySymbol := make(map[string]*SymbolStats)
	for _, o := range list {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		s, ok := bySymbol[o.Symbol]
		if !ok {
			s = &SymbolStats{Symbol: o.Symbol}
			bySymbol[o.Symbol] = s
		}
		s.TotalOrders++

		switch {
		case o.Status.IsOpen():
			s.Open++
		case o.Status == orders.StatusFilled:
			s.Filled++
			if o.Resolution == orders.ResolutionImplicitFill {
				s.ImplicitFills++
			}
		case o.Status == orders.StatusCancelled || o.Status == orders.StatusAPICancelled:
			s.Cancelled++
		case o.Status == orders.StatusError || o.Status == orders.StatusInactive:
			s.Rejected++
		}

		s.FilledQuantity += o.FilledQuantity
		s.Notional += o.FilledQuantity * o.AvgFillPrice
	}

	sorted := make([]*SymbolStats, 0, len(bySymbol))
	for _, s := range bySymbol {
		sorted = append(sorted, s)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TotalOrders != sorted[j].TotalOrders {
			return sorted[i].TotalOrders > sorted[j].TotalOrders
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})
	return sorted
}

func printTable(stats []*SymbolStats) {
	fmt.Println(strings.Repeat("=", 96))
	fmt.Println("STORED ORDERS BY SYMBOL")
	fmt.Println(strings.Repeat("=", 96))
	fmt.Printf("%-10s %7s %6s %7s %9s %9s %9s %12s %14s\n",
		"Symbol", "Orders", "Open", "Filled", "Cancelled", "Rejected", "Implicit", "Filled Qty", "Notional")
	fmt.Println(strings.Repeat("-", 96))

	var total SymbolStats
	for _, s := range stats {
		fmt.Printf("%-10s %7d %6d %7d %9d %9d %9d %12.2f %14.2f\n",
			truncate(s.Symbol, 10), s.TotalOrders, s.Open, s.Filled, s.Cancelled, s.Rejected,
			s.ImplicitFills, s.FilledQuantity, s.Notional)
		total.TotalOrders += s.TotalOrders
		total.Open += s.Open
		total.Filled += s.Filled
		total.Cancelled += s.Cancelled
		total.Rejected += s.Rejected
		total.ImplicitFills += s.ImplicitFills
		total.FilledQuantity += s.FilledQuantity
		total.Notional += s.Notional
	}

	fmt.Println(strings.Repeat("-", 96))
	fmt.Printf("%-10s %7d %6d %7d %9d %9d %9d %12.2f %14.2f\n",
		"TOTAL", total.TotalOrders, total.Open, total.Filled, total.Cancelled, total.Rejected,
		total.ImplicitFills, total.FilledQuantity, total.Notional)

	if total.ImplicitFills > 0 {
		fmt.Printf("\nNote: %d fill(s) were inferred because the order left the gateway's open list\n", total.ImplicitFills)
		fmt.Println("without a confirmed status; they may have been cancelled outside this system.")
	}
}

func printBrackets(brackets []*orders.Bracket, symbol string) {
	var shown []*orders.Bracket
	for _, b := range brackets {
		if b.Main == nil {
			continue
		}
		if symbol != "" && b.Main.Symbol != symbol {
			continue
		}
		shown = append(shown, b)
	}
	if len(shown) == 0 {
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 96))
	fmt.Println("BRACKETS")
	fmt.Println(strings.Repeat("=", 96))
	for _, b := range shown {
		legs := make([]string, 0, 3)
		for _, leg := range b.Legs() {
			legs = append(legs, fmt.Sprintf("%d:%s", leg.OrderID, leg.Status))
		}
		fmt.Printf("%-44s %-8s %-18s %s\n", truncate(b.OcaGroup, 44), b.Main.Symbol, b.Status(), strings.Join(legs, " "))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
