// Package mcp implements the Model Context Protocol (MCP) server for receiptscout.
//
// The MCP server exposes two tools to operator assistants:
//   - retrieve_receipts: Find and deliver receipts for a payer
//   - get_status: Report pool, cache and credential health
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Stdout carries only protocol messages; the process logs to stderr or a file.
//
// # Tool: retrieve_receipts
//
//	Request:
//	{
//	  "name": "retrieve_receipts",
//	  "arguments": {
//	    "payer": "张三",
//	    "payee": "上海某某贸易有限公司",
//	    "count": 2,
//	    "backend": "fastmail"
//	  }
//	}
//
//	Response:
//	{
//	  "request_id": "5b0e...",
//	  "reason": "matched",
//	  "records": [
//	    {
//	      "document_ref": "4182/receipt.pdf",
//	      "payer_name": "张三",
//	      "amount": "100.00",
//	      "payment_time": "2024-05-12 10:30:15",
//	      "backend": "fastmail"
//	    }
//	  ],
//	  "backends": [
//	    {"backend": "fastmail", "state": "satisfied", "scanned": 3, "matched": 2}
//	  ]
//	}
//
// The reason is one of matched, no_match, no_credentials, credentials_expired,
// already_processing or cached_fresh. A credentials_expired response still
// carries any receipts found on the other backends, and its message tells
// the operator how to re-authorize.
//
// # Tool: get_status
//
// Takes no arguments and returns pool handle counts, single-flight entries,
// parse cache size and per-credential validity.
//
// # Error Handling
//
// Invalid arguments are rejected before any backend work:
//
//	{
//	  "error": {
//	    "code": -32602,
//	    "message": "invalid payer",
//	    "data": {"param": "payer", "reason": "name must not be a number"}
//	  }
//	}
//
// Error codes:
//   - -32602: Invalid params (missing payer, numeric name, count out of range, unknown backend)
//   - -32603: Internal error
//   - -32001: Delivery failed
package mcp
