package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/credvault/internal/access"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/vault"
	"github.com/rendis/credvault/pkg/schema"
)

// handleStore validates and stores a new credential.
func (s *VaultServer) handleStore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	typStr, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	service, err := req.RequireString("service")
	if err != nil {
		return mcp.NewToolResultError("service is required"), nil
	}

	value, valErr := extractValue(req)
	if valErr != nil {
		return mcp.NewToolResultError(valErr.Error()), nil
	}

	typ := schema.CredentialType(typStr)
	if s.validator != nil {
		if vErr := s.validator.ValidateValue(typ, value); vErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid value: %v", vErr)), nil
		}
	}

	in := &vault.StoreInput{
		Environment: schema.Environment(req.GetString("environment", "")),
		Metadata:    mcp.ParseStringMap(req, "metadata", nil),
	}

	id, storeErr := s.credentials.Store(ctx, name, typ, service, value, in)
	if storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("store failed: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{"credential_id": id})
}

// handleRetrieve decrypts a credential for an entity or an admin caller.
func (s *VaultServer) handleRetrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	credentialID, err := req.RequireString("credential_id")
	if err != nil {
		return mcp.NewToolResultError("credential_id is required"), nil
	}

	entityID := req.GetString("entity_id", "")
	entityType := schema.EntityType(req.GetString("entity_type", ""))
	if entityID != "" && entityType == "" {
		return mcp.NewToolResultError("entity_type is required when entity_id is given"), nil
	}

	rc := &vault.RetrieveContext{
		UserID:    req.GetString("user_id", ""),
		IPAddress: req.GetString("ip_address", ""),
	}

	value, retErr := s.credentials.Retrieve(ctx, credentialID, entityID, entityType, rc)
	if retErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retrieve failed: %v", retErr)), nil
	}

	return marshalResult(map[string]any{"credential_id": credentialID, "value": value})
}

// handleRotate replaces a credential's value.
func (s *VaultServer) handleRotate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	credentialID, err := req.RequireString("credential_id")
	if err != nil {
		return mcp.NewToolResultError("credential_id is required"), nil
	}

	value, valErr := extractValue(req)
	if valErr != nil {
		return mcp.NewToolResultError(valErr.Error()), nil
	}

	if s.validator != nil {
		meta, metaErr := s.credentials.Metadata(ctx, credentialID)
		if metaErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("rotate failed: %v", metaErr)), nil
		}
		if vErr := s.validator.ValidateValue(meta.Type, value); vErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid value: %v", vErr)), nil
		}
	}

	if rotErr := s.credentials.Rotate(ctx, credentialID, value); rotErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rotate failed: %v", rotErr)), nil
	}

	return marshalResult(map[string]any{"credential_id": credentialID, "rotated": true})
}

// handleRevoke disables a credential.
func (s *VaultServer) handleRevoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	credentialID, err := req.RequireString("credential_id")
	if err != nil {
		return mcp.NewToolResultError("credential_id is required"), nil
	}

	changed, revErr := s.credentials.Revoke(ctx, credentialID, req.GetString("reason", ""))
	if revErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("revoke failed: %v", revErr)), nil
	}

	return marshalResult(map[string]any{"credential_id": credentialID, "revoked": changed})
}

// handleGrant creates or updates an access policy.
func (s *VaultServer) handleGrant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	credentialID, err := req.RequireString("credential_id")
	if err != nil {
		return mcp.NewToolResultError("credential_id is required"), nil
	}
	entityID, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("entity_id is required"), nil
	}
	entityType, err := req.RequireString("entity_type")
	if err != nil {
		return mcp.NewToolResultError("entity_type is required"), nil
	}

	in := access.GrantInput{
		AccessLevel: schema.AccessLevel(req.GetString("access_level", "")),
		GrantedBy:   req.GetString("granted_by", ""),
		Reason:      req.GetString("reason", ""),
	}
	if hours := req.GetFloat("expires_in_hours", 0); hours > 0 {
		expires := time.Now().UTC().Add(time.Duration(hours * float64(time.Hour)))
		in.ExpiresAt = &expires
	}

	policy, grantErr := s.access.Grant(ctx, credentialID, entityID, schema.EntityType(entityType), in)
	if grantErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("grant failed: %v", grantErr)), nil
	}

	return marshalResult(map[string]any{"policy": policy})
}

// handleRevokeAccess removes one grant or all grants on a credential.
func (s *VaultServer) handleRevokeAccess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	credentialID, err := req.RequireString("credential_id")
	if err != nil {
		return mcp.NewToolResultError("credential_id is required"), nil
	}

	entityID := req.GetString("entity_id", "")
	if entityID == "" {
		n, revErr := s.access.RevokeAll(ctx, credentialID)
		if revErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("revoke access failed: %v", revErr)), nil
		}
		return marshalResult(map[string]any{"credential_id": credentialID, "revoked_policies": n})
	}

	entityType := req.GetString("entity_type", "")
	if entityType == "" {
		return mcp.NewToolResultError("entity_type is required when entity_id is given"), nil
	}

	removed, revErr := s.access.Revoke(ctx, credentialID, entityID, schema.EntityType(entityType))
	if revErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("revoke access failed: %v", revErr)), nil
	}
	return marshalResult(map[string]any{"credential_id": credentialID, "removed": removed})
}

// handleAudit reads the trail, optionally post-processing with jq.
func (s *VaultServer) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.AuditFilter{
		CredentialID: req.GetString("credential_id", ""),
		EntityID:     req.GetString("entity_id", ""),
		UserID:       req.GetString("user_id", ""),
		Action:       schema.AuditAction(req.GetString("action", "")),
		Limit:        req.GetInt("limit", 100),
	}
	if since := req.GetString("since", ""); since != "" {
		t, parseErr := time.Parse(time.RFC3339, since)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since: %v", parseErr)), nil
		}
		filter.Since = &t
	}

	entries, listErr := s.trail.List(ctx, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit query failed: %v", listErr)), nil
	}

	if expr := req.GetString("jq", ""); expr != "" {
		results, jqErr := s.querier.Query(ctx, expr, entries)
		if jqErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("jq evaluation failed: %v", jqErr)), nil
		}
		return marshalResult(map[string]any{"results": results})
	}

	return marshalResult(map[string]any{"entries": entries})
}

// handleQuery lists credentials, policies, keys, expiring grants, or the summary.
func (s *VaultServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "credentials":
		return s.queryCredentials(ctx, filter)
	case "policies":
		return s.queryPolicies(ctx, filter)
	case "keys":
		return s.queryKeys(ctx)
	case "expiring_access":
		return s.queryExpiringAccess(ctx, filter)
	case "summary":
		return s.querySummary(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *VaultServer) queryCredentials(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	cf := store.CredentialFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if service, ok := filter["service"].(string); ok {
		cf.Service = service
	}
	if typ, ok := filter["type"].(string); ok {
		cf.Type = schema.CredentialType(typ)
	}
	if env, ok := filter["environment"].(string); ok {
		cf.Environment = schema.Environment(env)
	}
	if status, ok := filter["status"].(string); ok {
		cf.Status = schema.CredentialStatus(status)
	}

	creds, err := s.credentials.List(ctx, cf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"credentials": creds})
}

func (s *VaultServer) queryPolicies(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if credentialID, ok := filter["credential_id"].(string); ok && credentialID != "" {
		policies, err := s.access.Policies(ctx, credentialID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"policies": policies})
	}

	entityID, _ := filter["entity_id"].(string)
	entityType, _ := filter["entity_type"].(string)
	if entityID == "" || entityType == "" {
		return mcp.NewToolResultError("policy query requires either 'credential_id' or both 'entity_id' and 'entity_type' in filter"), nil
	}

	creds, err := s.access.AccessibleCredentials(ctx, entityID, schema.EntityType(entityType))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"accessible_credentials": creds})
}

func (s *VaultServer) queryKeys(ctx context.Context) (*mcp.CallToolResult, error) {
	keys, err := s.store.ListEncryptionKeys(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"keys": keys})
}

func (s *VaultServer) queryExpiringAccess(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	days := extractInt(filter, "days", 7)
	policies, err := s.access.ExpiringSoon(ctx, days)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"expiring": policies})
}

func (s *VaultServer) querySummary(ctx context.Context) (*mcp.CallToolResult, error) {
	summary, err := s.trail.Summary(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"summary": summary})
}

// --- Internal helpers ---

// extractValue returns the secret value from either the structured "value"
// object or the "value_text" string, requiring exactly one.
func extractValue(req mcp.CallToolRequest) (any, error) {
	obj := mcp.ParseStringMap(req, "value", nil)
	text := req.GetString("value_text", "")

	switch {
	case obj != nil && text != "":
		return nil, fmt.Errorf("provide only one of value or value_text")
	case obj != nil:
		return obj, nil
	case text != "":
		return text, nil
	default:
		return nil, fmt.Errorf("one of value or value_text is required")
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
