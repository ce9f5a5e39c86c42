package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/receiptscout/pkg/types"
)

// retrieveReceiptsTool returns the tool definition for retrieve_receipts
func retrieveReceiptsTool(maxCount int) mcp.Tool {
	backends := make([]string, 0, len(types.AllBackends))
	for _, b := range types.AllBackends {
		backends = append(backends, string(b))
	}

	return mcp.Tool{
		Name:        "retrieve_receipts",
		Description: "Find payment receipts for a payer across the configured mailboxes and deliver the newest matches",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"payer": map[string]interface{}{
					"type":        "string",
					"description": "Payer name as printed on the receipt; fuzzy matched",
				},
				"payee": map[string]interface{}{
					"type":        "string",
					"description": "Optional payee name; when set both parties must match",
				},
				"count": map[string]interface{}{
					"type":        "integer",
					"description": "Number of receipts wanted, newest first",
					"default":     1,
					"minimum":     1,
					"maximum":     maxCount,
				},
				"backend": map[string]interface{}{
					"type":        "string",
					"description": "Restrict the search to one mail backend; all usable backends when omitted",
					"enum":        backends,
				},
			},
			Required: []string{"payer"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report connection pool, cache and credential health",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
