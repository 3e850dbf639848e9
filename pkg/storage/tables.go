package storage

// Table names shared by both backends. The migrations in each backend
// subpackage create exactly this set.
const (
	TableUsers           = "users"
	TableMemories        = "memories"
	TableGraphNodes      = "graph_nodes"
	TableGraphEdges      = "graph_edges"
	TableAPIKeys         = "api_keys"
	TableOAuthClients    = "oauth_clients"
	TableOAuthCodes      = "oauth_authorization_codes"
	TableOAuthTokens     = "oauth_tokens"
	TableExternalAPIKeys = "external_api_keys"
	TableAuditLogs       = "audit_logs"
)

// idColumns maps tables whose identifier column is not "id".
var idColumns = map[string]string{
	TableOAuthCodes:      "signature",
	TableExternalAPIKeys: "key_name",
}

// IDColumn returns the identifier column consumed by Get, Put, Upsert,
// Update, and Delete for the given table.
func IDColumn(table string) string {
	if col, ok := idColumns[table]; ok {
		return col
	}
	return "id"
}
