package schema

// CredentialType classifies the kind of secret under management.
type CredentialType string

const (
	CredentialTypeAPIKey       CredentialType = "api_key"
	CredentialTypeOAuthToken   CredentialType = "oauth_token"
	CredentialTypeBasicAuth    CredentialType = "basic_auth"
	CredentialTypeDBConnection CredentialType = "db_connection"
	CredentialTypeSSHKey       CredentialType = "ssh_key"
	CredentialTypeCustom       CredentialType = "custom"
)

var validCredentialTypes = map[CredentialType]bool{
	CredentialTypeAPIKey:       true,
	CredentialTypeOAuthToken:   true,
	CredentialTypeBasicAuth:    true,
	CredentialTypeDBConnection: true,
	CredentialTypeSSHKey:       true,
	CredentialTypeCustom:       true,
}

// ValidateCredentialType checks that typ is one of the supported credential types.
func ValidateCredentialType(typ CredentialType) error {
	if !validCredentialTypes[typ] {
		return NewErrorf(ErrCodeValidation,
			"invalid credential type %q: must be one of api_key, oauth_token, basic_auth, db_connection, ssh_key, custom", typ)
	}
	return nil
}

// Environment is the deployment environment a credential belongs to.
type Environment string

const (
	EnvironmentDev        Environment = "dev"
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

var validEnvironments = map[Environment]bool{
	EnvironmentDev:        true,
	EnvironmentStaging:    true,
	EnvironmentProduction: true,
}

// ValidateEnvironment checks that env is one of dev, staging, production.
func ValidateEnvironment(env Environment) error {
	if !validEnvironments[env] {
		return NewErrorf(ErrCodeValidation,
			"invalid environment %q: must be one of dev, staging, production", env)
	}
	return nil
}

// CredentialStatus is the lifecycle state of a credential row.
type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "active"
	CredentialStatusRotated CredentialStatus = "rotated"
	CredentialStatusRevoked CredentialStatus = "revoked"
)

// EntityType identifies the kind of consumer a policy grants access to.
type EntityType string

const (
	EntityTypeSkill EntityType = "skill"
	EntityTypeTool  EntityType = "tool"
)

var validEntityTypes = map[EntityType]bool{
	EntityTypeSkill: true,
	EntityTypeTool:  true,
}

// ValidateEntityType checks that typ is either skill or tool.
func ValidateEntityType(typ EntityType) error {
	if !validEntityTypes[typ] {
		return NewErrorf(ErrCodeValidation,
			"invalid entity type %q: must be skill or tool", typ)
	}
	return nil
}

// AccessLevel orders what an entity may do with a credential: read < write < admin.
type AccessLevel string

const (
	AccessLevelRead  AccessLevel = "read"
	AccessLevelWrite AccessLevel = "write"
	AccessLevelAdmin AccessLevel = "admin"
)

var accessLevelRank = map[AccessLevel]int{
	AccessLevelRead:  1,
	AccessLevelWrite: 2,
	AccessLevelAdmin: 3,
}

// ValidateAccessLevel checks that level is one of read, write, admin.
func ValidateAccessLevel(level AccessLevel) error {
	if accessLevelRank[level] == 0 {
		return NewErrorf(ErrCodeValidation,
			"invalid access level %q: must be one of read, write, admin", level)
	}
	return nil
}

// Satisfies reports whether a grant at this level covers the required level.
// A write grant satisfies a read check; it does not satisfy admin.
func (l AccessLevel) Satisfies(required AccessLevel) bool {
	have, ok := accessLevelRank[l]
	if !ok {
		return false
	}
	want, ok := accessLevelRank[required]
	if !ok {
		return false
	}
	return have >= want
}

// AuditAction is the kind of credential-affecting event being recorded.
type AuditAction string

const (
	AuditActionCreate       AuditAction = "create"
	AuditActionRetrieve     AuditAction = "retrieve"
	AuditActionRotate       AuditAction = "rotate"
	AuditActionRevoke       AuditAction = "revoke"
	AuditActionDelete       AuditAction = "delete"
	AuditActionGrantAccess  AuditAction = "grant_access"
	AuditActionRevokeAccess AuditAction = "revoke_access"
)

// KeyStatus is the lifecycle state of a master-key registry entry.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRotated KeyStatus = "rotated"
)
