package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the ScanGuard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSecurityDashboard = mcp.NewTool("get_security_dashboard",
	mcp.WithDescription(
		"Get recent security alerts for your QR codes: possible counterfeits, "+
			"duplicate scans, velocity anomalies and geographic anomalies. "+
			"Includes severity counts and the locations with the most alerts. "+
			"Requires the Starter plan or above."),
	mcp.WithNumber("days",
		mcp.Description("Look-back window in days (default 30, max 365)")),
	mcp.WithNumber("product_id",
		mcp.Description("Only include alerts for codes of this product")),
	mcp.WithNumber("page",
		mcp.Description("Alert page to return (default 1)")),
)

var ToolGeographicAnalytics = mcp.NewTool("get_geographic_analytics",
	mcp.WithDescription(
		"Get where your QR codes are being scanned: top locations, country distribution, "+
			"how widely each code has travelled and regional market penetration. "+
			"Requires the Growth plan or above."),
	mcp.WithNumber("days",
		mcp.Description("Look-back window in days (default 30, max 365)")),
	mcp.WithNumber("product_id",
		mcp.Description("Only include scans of codes for this product")),
)

var ToolAccountSummary = mcp.NewTool("get_account_summary",
	mcp.WithDescription(
		"Get engagement totals for your account: codes registered, codes scanned at least once, "+
			"total scans and activation rate. Available on every plan."),
	mcp.WithNumber("product_id",
		mcp.Description("Only count codes of this product")),
)

var ToolListCodes = mcp.NewTool("list_codes",
	mcp.WithDescription(
		"List your registered QR codes, most recent first, with scan counts and unique scanners."),
	mcp.WithNumber("product_id",
		mcp.Description("Only list codes of this product")),
	mcp.WithNumber("page",
		mcp.Description("Page to return (default 1)")),
)

var ToolCodeEngagement = mcp.NewTool("get_code_engagement",
	mcp.WithDescription(
		"Get scan engagement for a single QR code: total scans, unique scanners and scans per scanner."),
	mcp.WithString("qr_key",
		mcp.Required(),
		mcp.Description("The code's key as printed in the QR payload")),
)

var ToolRegisterCode = mcp.NewTool("register_code",
	mcp.WithDescription(
		"Register a new QR code so its scans are tracked and scored. "+
			"Fails when the plan's code quota is used up or the key already exists."),
	mcp.WithString("qr_key",
		mcp.Required(),
		mcp.Description("Unique key for the code (letters, digits, '-' and '_')")),
	mcp.WithString("batch_code",
		mcp.Required(),
		mcp.Description("Production batch the code was printed for")),
	mcp.WithNumber("product_id",
		mcp.Description("Catalog product the code is attached to")),
)
