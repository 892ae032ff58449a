// Package mcp serves memoryd's memory operations as MCP tools using the
// official Go SDK (github.com/modelcontextprotocol/go-sdk/mcp).
//
// Tools:
//
//	memory_remember   append conversation turns
//	memory_recall     context string for a query
//	memory_search     scored records for a query
//	memory_tags       the user's tag vocabulary
//	memory_forget     bulk delete, requires confirm=true
//
// Every tool takes a user_id; the server holds no session state.
package mcp
