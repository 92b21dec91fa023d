package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the arbitration MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List trades currently in DISPUTED status, oldest first. "+
			"Shows trade ID, parties, amount, who opened the dispute and who it is assigned to."),
)

var ToolGetTrade = mcp.NewTool("get_trade",
	mcp.WithDescription(
		"Get the full arbitration view of a trade: terms, escrow hold, chat timeline and audit trail. "+
			"Read this before resolving a dispute."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("The trade ID (e.g. 'trd_...')")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Settle a disputed trade. RELEASE pays the escrowed funds to the buyer and completes the trade. "+
			"RETURN refunds the seller and cancels the trade. This cannot be undone."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("The disputed trade ID")),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("RELEASE (buyer receives funds) or RETURN (seller refunded)"),
		mcp.Enum("RELEASE", "RETURN")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation recorded on the trade and shown to both parties")),
)

var ToolCancelTrade = mcp.NewTool("cancel_trade",
	mcp.WithDescription(
		"Force-cancel a non-terminal trade. Any escrowed funds go back to the seller."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("The trade ID")),
	mcp.WithString("reason",
		mcp.Description("Optional cancellation reason")),
)

var ToolAssignDispute = mcp.NewTool("assign_dispute",
	mcp.WithDescription(
		"Assign a disputed trade to an admin so other reviewers know it is being handled."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("The disputed trade ID")),
	mcp.WithString("assignee_id",
		mcp.Description("Admin user ID to assign. Defaults to the configured admin.")),
)

var ToolUserBalances = mcp.NewTool("user_balances",
	mcp.WithDescription(
		"Show a user's available and held balances per currency and wallet."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user ID")),
)
