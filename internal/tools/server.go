package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/exchangemcp/internal/exchange"
	"github.com/MrWong99/exchangemcp/internal/response"
)

// Exchange endpoints used by the tool catalog.
const (
	pathServerTime    = "/0/public/Time"
	pathBalance       = "/0/private/Balance"
	pathOpenOrders    = "/0/private/OpenOrders"
	pathTradesHistory = "/0/private/TradesHistory"
)

// tradesPageSize is the number of trades the exchange returns per page.
const tradesPageSize = 50

var tradeTypes = []string{"all", "any position", "closed position", "closing position", "no position"}

// StatusFunc produces the server health document for the server_health tool.
type StatusFunc func(ctx context.Context) any

// Server registers the exchange tool catalog on an MCP server.
type Server struct {
	mcp     *mcp.Server
	runner  *Runner
	builder response.Builder
	status  StatusFunc
}

// NewServer builds an MCP server named name exposing every tool. status may
// be nil, in which case server_health is not registered.
func NewServer(name, version string, runner *Runner, builder response.Builder, status StatusFunc) *Server {
	s := &Server{
		mcp:     mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		runner:  runner,
		builder: builder,
		status:  status,
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_server_time",
		Description: "Returns the exchange server time. Does not require authentication.",
	}, s.serverTime)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_account_balance",
		Description: "Returns the account balance per asset, optionally restricted to one asset.",
	}, s.accountBalance)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_open_orders",
		Description: "Lists the account's open orders.",
	}, s.openOrders)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_trades_history",
		Description: "Returns one page of the account's trade history.",
	}, s.tradesHistory)
	if status != nil {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "server_health",
			Description: "Reports exchange reachability, circuit breaker, rate limiter and tool metrics.",
		}, s.serverHealth)
	}
	return s
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Run serves the tool catalog on t until ctx is cancelled or the client
// disconnects. On cancellation it returns ctx.Err() without waiting for an
// idle peer to hang up; the session is closed in the background.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	ss, err := s.mcp.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("tools: connect: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- ss.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			if err := ss.Close(); err != nil {
				slog.Debug("mcp session close", "err", err)
			}
		}()
		return ctx.Err()
	}
}

type noInput struct{}

type balanceInput struct {
	Asset string `json:"asset,omitempty" jsonschema:"restrict the result to this asset code, e.g. XXBT"`
}

type openOrdersInput struct {
	Trades  bool `json:"trades,omitempty" jsonschema:"include trades related to each order"`
	UserRef *int `json:"userref,omitempty" jsonschema:"only orders with this user reference id"`
}

type tradesHistoryInput struct {
	Type   string `json:"type,omitempty" jsonschema:"trade type filter: all, any position, closed position, closing position or no position"`
	Offset int    `json:"offset,omitempty" jsonschema:"number of trades to skip"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of trades to return, 1 to 50"`
	Start  int64  `json:"start,omitempty" jsonschema:"only trades at or after this unix timestamp"`
	End    int64  `json:"end,omitempty" jsonschema:"only trades at or before this unix timestamp"`
}

func (s *Server) serverTime(ctx context.Context, _ *mcp.CallToolRequest, _ noInput) (*mcp.CallToolResult, any, error) {
	params := map[string]any{}
	return s.invoke(ctx, "get_server_time", params, func(ctx context.Context) (any, error) {
		raw, err := s.runner.Public(ctx, pathServerTime, nil)
		if err != nil {
			return nil, err
		}
		return response.Wrap(s.builder, params, resultOf(raw), response.WithRaw(raw)), nil
	})
}

func (s *Server) accountBalance(ctx context.Context, _ *mcp.CallToolRequest, in balanceInput) (*mcp.CallToolResult, any, error) {
	params := response.NormalizeParams(map[string]any{"asset": in.Asset})
	return s.invoke(ctx, "get_account_balance", params, func(ctx context.Context) (any, error) {
		raw, err := s.runner.Execute(ctx, http.MethodPost, pathBalance, nil)
		if err != nil {
			return nil, err
		}
		result := resultOf(raw)

		asset, ok := params["asset"].(string)
		if !ok {
			return response.Wrap(s.builder, params, result, response.WithRaw(raw)), nil
		}
		balances, _ := result.(map[string]any)
		filtered := map[string]any{}
		if v, found := balances[asset]; found {
			filtered[asset] = v
		}
		return response.Wrap(s.builder, params, filtered,
			response.WithFilters(map[string]any{"asset": asset}),
			response.WithRaw(raw),
		), nil
	})
}

func (s *Server) openOrders(ctx context.Context, _ *mcp.CallToolRequest, in openOrdersInput) (*mcp.CallToolResult, any, error) {
	params := map[string]any{"trades": in.Trades}
	if in.UserRef != nil {
		params["userref"] = *in.UserRef
	}
	params = response.NormalizeParams(params)
	return s.invoke(ctx, "get_open_orders", params, func(ctx context.Context) (any, error) {
		raw, err := s.runner.Execute(ctx, http.MethodPost, pathOpenOrders, params)
		if err != nil {
			return nil, err
		}
		return response.Wrap(s.builder, params, resultOf(raw), response.WithRaw(raw)), nil
	})
}

func (s *Server) tradesHistory(ctx context.Context, _ *mcp.CallToolRequest, in tradesHistoryInput) (*mcp.CallToolResult, any, error) {
	if in.Limit == 0 {
		in.Limit = tradesPageSize
	}
	if in.Type == "" {
		in.Type = "all"
	}
	params := response.NormalizeParams(map[string]any{
		"type":   in.Type,
		"offset": in.Offset,
		"limit":  in.Limit,
	})
	if in.Start != 0 {
		params["start"] = in.Start
	}
	if in.End != 0 {
		params["end"] = in.End
	}

	return s.invoke(ctx, "get_trades_history", params, func(ctx context.Context) (any, error) {
		if err := validateTradesHistory(in); err != nil {
			return nil, err
		}

		upstream := map[string]any{"type": in.Type, "ofs": in.Offset}
		if in.Start != 0 {
			upstream["start"] = in.Start
		}
		if in.End != 0 {
			upstream["end"] = in.End
		}
		raw, err := s.runner.Execute(ctx, http.MethodPost, pathTradesHistory, upstream)
		if err != nil {
			return nil, err
		}

		result, _ := resultOf(raw).(map[string]any)
		trades, _ := result["trades"].(map[string]any)
		page := firstTrades(trades, in.Limit)
		total := len(trades)
		if n, ok := result["count"].(json.Number); ok {
			if v, err := n.Int64(); err == nil {
				total = int(v)
			}
		}

		opts := []response.Option{
			response.WithPagination(in.Offset, in.Limit, len(page), total),
			response.WithRaw(raw),
		}
		if in.Type != "all" {
			opts = append(opts, response.WithFilters(map[string]any{"type": in.Type}))
		}
		return response.Wrap(s.builder, params, page, opts...), nil
	})
}

func (s *Server) serverHealth(ctx context.Context, _ *mcp.CallToolRequest, _ noInput) (*mcp.CallToolResult, any, error) {
	params := map[string]any{}
	return s.invoke(ctx, "server_health", params, func(ctx context.Context) (any, error) {
		return response.Wrap(s.builder, params, s.status(ctx)), nil
	})
}

// invoke runs fn through the runner and renders its outcome as tool content.
// Failures become an error payload on a result flagged IsError rather than a
// protocol error.
func (s *Server) invoke(ctx context.Context, name string, params map[string]any, fn func(context.Context) (any, error)) (*mcp.CallToolResult, any, error) {
	out, err := s.runner.Wrap(ctx, name, params, fn)
	if err != nil {
		res, encErr := jsonResult(ErrorResult(err))
		if encErr != nil {
			return nil, nil, encErr
		}
		res.IsError = true
		return res, nil, nil
	}
	res, err := jsonResult(out)
	if err != nil {
		return nil, nil, err
	}
	return res, nil, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}, nil
}

// resultOf unwraps the exchange's {"error": [...], "result": ...} envelope.
// Bodies without a result field are returned unchanged.
func resultOf(raw any) any {
	if m, ok := raw.(map[string]any); ok {
		if r, found := m["result"]; found {
			return r
		}
	}
	return raw
}

func validateTradesHistory(in tradesHistoryInput) error {
	switch {
	case in.Offset < 0:
		return exchange.NewValidationError("offset must be >= 0, got %d", in.Offset)
	case in.Limit < 1 || in.Limit > tradesPageSize:
		return exchange.NewValidationError("limit must be between 1 and %d, got %d", tradesPageSize, in.Limit)
	case in.Start < 0 || in.End < 0:
		return exchange.NewValidationError("start and end must be unix timestamps")
	case in.Start != 0 && in.End != 0 && in.Start > in.End:
		return exchange.NewValidationError("start (%d) must not be after end (%d)", in.Start, in.End)
	case !slices.Contains(tradeTypes, in.Type):
		return exchange.NewValidationError("unknown trade type %q", in.Type)
	}
	return nil
}

// firstTrades returns at most limit trades, choosing by ascending trade id so
// the page is deterministic.
func firstTrades(trades map[string]any, limit int) map[string]any {
	if len(trades) <= limit {
		if trades == nil {
			return map[string]any{}
		}
		return trades
	}
	ids := make([]string, 0, len(trades))
	for id := range trades {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	page := make(map[string]any, limit)
	for _, id := range ids[:limit] {
		page[id] = trades[id]
	}
	return page
}
