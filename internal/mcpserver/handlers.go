package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client  *ArbitrationClient
	adminID string
}

// NewHandlers creates a new Handlers instance. adminID is the default
// assignee for assign_dispute.
func NewHandlers(client *ArbitrationClient, adminID string) *Handlers {
	return &Handlers{client: client, adminID: adminID}
}

// HandleListDisputes lists open disputes.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListDisputes(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTrade returns the arbitration view of one trade.
func (h *Handlers) HandleGetTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.GetTradeDetail(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load trade: %v", err)), nil
	}

	text, err := formatDetail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleResolveDispute settles a dispute.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	outcome := strings.ToUpper(req.GetString("outcome", ""))
	reason := strings.TrimSpace(req.GetString("reason", ""))

	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}
	if outcome != "RELEASE" && outcome != "RETURN" {
		return mcp.NewToolResultError("outcome must be RELEASE or RETURN"), nil
	}
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.Resolve(ctx, tradeID, outcome, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolve failed: %v", err)), nil
	}

	t, err := parseTrade(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute resolved: %s\n", outcome)
	writeTradeSummary(&sb, t)
	if outcome == "RELEASE" {
		fmt.Fprintf(&sb, "\n%s %s released to buyer %s.", getString(t, "amount"), getString(t, "currency"), getString(t, "buyerId"))
	} else {
		fmt.Fprintf(&sb, "\n%s %s returned to seller %s.", getString(t, "amount"), getString(t, "currency"), getString(t, "sellerId"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCancelTrade force-cancels a trade.
func (h *Handlers) HandleCancelTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}
	reason := req.GetString("reason", "")

	raw, err := h.client.Cancel(ctx, tradeID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
	}

	t, err := parseTrade(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Trade cancelled\n")
	writeTradeSummary(&sb, t)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAssignDispute assigns a dispute to an admin.
func (h *Handlers) HandleAssignDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}
	assignee := req.GetString("assignee_id", h.adminID)
	if assignee == "" {
		return mcp.NewToolResultError("assignee_id is required"), nil
	}

	if _, err := h.client.Assign(ctx, tradeID, assignee); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Assign failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Trade %s assigned to %s.", tradeID, assignee)), nil
}

// HandleUserBalances shows a user's balances.
func (h *Handlers) HandleUserBalances(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.UserBalances(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load balances: %v", err)), nil
	}

	text, err := formatBalances(userID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balances: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting ---

func parseTrade(raw json.RawMessage) (map[string]any, error) {
	var resp struct {
		Trade map[string]any `json:"trade"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Trade == nil {
		return nil, fmt.Errorf("no trade in response")
	}
	return resp.Trade, nil
}

func writeTradeSummary(sb *strings.Builder, t map[string]any) {
	fmt.Fprintf(sb, "  Trade:  %s\n", getString(t, "id"))
	fmt.Fprintf(sb, "  Status: %s\n", getString(t, "status"))
	fmt.Fprintf(sb, "  Amount: %s %s at %s %s\n",
		getString(t, "amount"), getString(t, "currency"),
		getString(t, "price"), getString(t, "priceCurrency"))
	fmt.Fprintf(sb, "  Buyer:  %s\n", getString(t, "buyerId"))
	fmt.Fprintf(sb, "  Seller: %s\n", getString(t, "sellerId"))
	if v := getString(t, "reason"); v != "" {
		fmt.Fprintf(sb, "  Reason: %s\n", v)
	}
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Trades []map[string]any `json:"trades"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected disputes response format")
	}

	if len(resp.Trades) == 0 {
		return "No open disputes.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d open dispute(s):\n\n", len(resp.Trades))
	for i, t := range resp.Trades {
		fmt.Fprintf(&sb, "%d. %s: %s %s (buyer %s, seller %s)\n", i+1,
			getString(t, "id"), getString(t, "amount"), getString(t, "currency"),
			getString(t, "buyerId"), getString(t, "sellerId"))
		if v := getString(t, "disputedBy"); v != "" {
			fmt.Fprintf(&sb, "   Opened by: %s\n", v)
		}
		if v := getString(t, "reason"); v != "" {
			fmt.Fprintf(&sb, "   Reason: %s\n", v)
		}
		if v := getString(t, "assignedTo"); v != "" {
			fmt.Fprintf(&sb, "   Assigned to: %s\n", v)
		}
	}
	return sb.String(), nil
}

func formatDetail(raw json.RawMessage) (string, error) {
	var d struct {
		Trade    map[string]any   `json:"trade"`
		Hold     map[string]any   `json:"hold"`
		Timeline []map[string]any `json:"timeline"`
		Activity []map[string]any `json:"activity"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", err
	}
	if d.Trade == nil {
		return "", fmt.Errorf("no trade in response")
	}

	var sb strings.Builder
	writeTradeSummary(&sb, d.Trade)
	if v := getString(d.Trade, "paymentMethod"); v != "" {
		fmt.Fprintf(&sb, "  Payment method: %s\n", v)
	}
	if v := getString(d.Trade, "disputedBy"); v != "" {
		fmt.Fprintf(&sb, "  Disputed by: %s\n", v)
	}

	if d.Hold != nil {
		fmt.Fprintf(&sb, "\nEscrow hold %s: %s %s (%s)\n",
			getString(d.Hold, "id"), getString(d.Hold, "amount"),
			getString(d.Hold, "currency"), getString(d.Hold, "status"))
	} else {
		sb.WriteString("\nNo escrow hold.\n")
	}

	if len(d.Timeline) > 0 {
		sb.WriteString("\nTimeline:\n")
		for _, e := range d.Timeline {
			who := getString(e, "actorId")
			if role := getString(e, "actorRole"); role != "" {
				who += " (" + role + ")"
			}
			if msg, ok := e["message"].(map[string]any); ok {
				fmt.Fprintf(&sb, "  [%s] %s: %s\n", getString(e, "createdAt"), who, getString(msg, "text"))
				if att, ok := msg["attachment"].(map[string]any); ok {
					fmt.Fprintf(&sb, "      attachment: %s\n", getString(att, "url"))
				}
				continue
			}
			if ev, ok := e["event"].(map[string]any); ok {
				fmt.Fprintf(&sb, "  [%s] %s %s -> %s by %s\n", getString(e, "createdAt"),
					getString(ev, "action"), getString(ev, "fromStatus"), getString(ev, "toStatus"), who)
			}
		}
	}

	if len(d.Activity) > 0 {
		sb.WriteString("\nAudit trail:\n")
		for _, r := range d.Activity {
			fmt.Fprintf(&sb, "  %s %s by %s", getString(r, "createdAt"), getString(r, "action"), getString(r, "actorId"))
			if v := getString(r, "detail"); v != "" {
				fmt.Fprintf(&sb, ": %s", v)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatBalances(userID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Balances []map[string]any `json:"balances"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Balances) == 0 {
		return fmt.Sprintf("%s has no balances.", userID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balances for %s:\n", userID)
	for _, b := range resp.Balances {
		fmt.Fprintf(&sb, "  %s/%s: available %s, held %s\n",
			getString(b, "currency"), getString(b, "walletType"),
			getString(b, "available"), getString(b, "held"))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
