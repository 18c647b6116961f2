// Package mcp exposes the vault to agents over the Model Context Protocol.
// Plaintext values cross this boundary exactly once, in vault.retrieve
// responses; they are never echoed back by any other tool.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/credvault/internal/access"
	"github.com/rendis/credvault/internal/audit"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/validation"
	"github.com/rendis/credvault/internal/vault"
)

// VaultServerDeps holds the dependencies for creating a VaultServer.
type VaultServerDeps struct {
	Credentials *vault.Service
	Access      *access.Control
	Trail       *audit.Trail
	Querier     *audit.Querier
	Validator   *validation.ValueValidator
	Store       store.Store
	Logger      *slog.Logger
}

// VaultServer wraps an MCP server with vault-specific tool handlers.
type VaultServer struct {
	credentials *vault.Service
	access      *access.Control
	trail       *audit.Trail
	querier     *audit.Querier
	validator   *validation.ValueValidator
	store       store.Store
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewVaultServer creates a new VaultServer with all 8 tools registered.
func NewVaultServer(deps VaultServerDeps) *VaultServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	querier := deps.Querier
	if querier == nil {
		querier = audit.NewQuerier()
	}

	s := &VaultServer{
		credentials: deps.Credentials,
		access:      deps.Access,
		trail:       deps.Trail,
		querier:     querier,
		validator:   deps.Validator,
		store:       deps.Store,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"credvault",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Credvault is a credential vault for agent platforms. Use vault.store to save secrets, vault.retrieve to read them (requires a grant), vault.grant/vault.revoke_access to manage access, vault.rotate to replace values, vault.revoke for emergency disablement, vault.audit to inspect the trail (supports jq expressions), and vault.query to list credentials, policies, and keys."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *VaultServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VaultServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 8 registered MCP tools as ServerTool entries.
func (s *VaultServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: storeTool(), Handler: s.handleStore},
		{Tool: retrieveTool(), Handler: s.handleRetrieve},
		{Tool: rotateTool(), Handler: s.handleRotate},
		{Tool: revokeTool(), Handler: s.handleRevoke},
		{Tool: grantTool(), Handler: s.handleGrant},
		{Tool: revokeAccessTool(), Handler: s.handleRevokeAccess},
		{Tool: auditTool(), Handler: s.handleAudit},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func storeTool() mcp.Tool {
	return mcp.NewTool("vault.store",
		mcp.WithDescription("Store a new credential. Provide exactly one of value (structured) or value_text (plain string)"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Credential name, unique per environment")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("api_key", "oauth_token", "basic_auth", "db_connection", "ssh_key", "custom"),
			mcp.Description("Credential type"),
		),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service the credential belongs to (e.g. github, stripe)")),
		mcp.WithObject("value", mcp.Description("Structured secret value")),
		mcp.WithString("value_text", mcp.Description("Plain string secret value")),
		mcp.WithString("environment",
			mcp.Enum("dev", "staging", "production"),
			mcp.Description("Deployment environment (default: dev)"),
		),
		mcp.WithObject("metadata", mcp.Description("Non-secret metadata stored alongside the credential")),
	)
}

func retrieveTool() mcp.Tool {
	return mcp.NewTool("vault.retrieve",
		mcp.WithDescription("Decrypt and return a credential value. When entity_id is given the entity must hold a read grant"),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("ID of the credential")),
		mcp.WithString("entity_id", mcp.Description("Requesting skill or tool ID (omit for admin retrieval)")),
		mcp.WithString("entity_type", mcp.Enum("skill", "tool"), mcp.Description("Type of the requesting entity")),
		mcp.WithString("user_id", mcp.Description("Human on whose behalf the entity acts, for the audit trail")),
		mcp.WithString("ip_address", mcp.Description("Origin address, for the audit trail")),
	)
}

func rotateTool() mcp.Tool {
	return mcp.NewTool("vault.rotate",
		mcp.WithDescription("Replace a credential's value, re-encrypting under a fresh salt and IV. Grants survive rotation"),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("ID of the credential")),
		mcp.WithObject("value", mcp.Description("New structured secret value")),
		mcp.WithString("value_text", mcp.Description("New plain string secret value")),
	)
}

func revokeTool() mcp.Tool {
	return mcp.NewTool("vault.revoke",
		mcp.WithDescription("Revoke a credential: it stays on record but can no longer be retrieved. Idempotent"),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("ID of the credential")),
		mcp.WithString("reason", mcp.Description("Why the credential is being revoked")),
	)
}

func grantTool() mcp.Tool {
	return mcp.NewTool("vault.grant",
		mcp.WithDescription("Grant an entity access to a credential. Re-granting updates the existing policy"),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("ID of the credential")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Skill or tool receiving access")),
		mcp.WithString("entity_type", mcp.Required(), mcp.Enum("skill", "tool"), mcp.Description("Type of the entity")),
		mcp.WithString("access_level", mcp.Enum("read", "write", "admin"), mcp.Description("Access level (default: read)")),
		mcp.WithNumber("expires_in_hours", mcp.Description("Grant lifetime in hours (omit for no expiry)")),
		mcp.WithString("granted_by", mcp.Description("Who authorized the grant")),
		mcp.WithString("reason", mcp.Description("Why access is needed")),
	)
}

func revokeAccessTool() mcp.Tool {
	return mcp.NewTool("vault.revoke_access",
		mcp.WithDescription("Remove an entity's access to a credential, or all access when entity_id is omitted"),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("ID of the credential")),
		mcp.WithString("entity_id", mcp.Description("Entity losing access (omit to revoke all grants)")),
		mcp.WithString("entity_type", mcp.Enum("skill", "tool"), mcp.Description("Type of the entity")),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("vault.audit",
		mcp.WithDescription("Read the audit trail. An optional jq expression post-processes the entries, e.g. '.entries[] | select(.success == false)'"),
		mcp.WithString("credential_id", mcp.Description("Restrict to one credential")),
		mcp.WithString("entity_id", mcp.Description("Restrict to one entity")),
		mcp.WithString("user_id", mcp.Description("Restrict to one user")),
		mcp.WithString("action", mcp.Description("Restrict to one action (create, retrieve, rotate, revoke, delete, grant_access, revoke_access)")),
		mcp.WithString("since", mcp.Description("RFC3339 lower bound on timestamps")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries (default: 100)")),
		mcp.WithString("jq", mcp.Description("jq expression evaluated over {\"entries\": [...]}")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("vault.query",
		mcp.WithDescription("Query vault state: credential metadata, access policies, encryption keys, expiring grants, or an audit summary. Never returns secret values"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("credentials", "policies", "keys", "expiring_access", "summary"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (service, type, environment, status, limit, credential_id, entity_id, entity_type, days)")),
	)
}
