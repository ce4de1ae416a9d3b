// Package policy implements the channel governance engine: the requirement
// DSL, JCS canonicalization and content addressing, and the join/attestation
// flow. Types mirror the governance documents described by the policy and
// attestation engine component, field for field.
package policy

import "time"

// RequirementKind tags the variant of a Requirement, serialized as the
// "type" field in SCREAMING_SNAKE_CASE to match the wire form other
// freeq-speaking implementations already use.
type RequirementKind string

const (
	KindAccept  RequirementKind = "ACCEPT"
	KindPresent RequirementKind = "PRESENT"
	KindProve   RequirementKind = "PROVE"
	KindAll     RequirementKind = "ALL"
	KindAny     RequirementKind = "ANY"
	KindNot     RequirementKind = "NOT"
)

// Requirement is a node in the join-gate requirement tree. Exactly one of
// the kind-specific fields is populated, selected by Type.
type Requirement struct {
	Type RequirementKind `json:"type"`

	// ACCEPT
	Hash string `json:"hash,omitempty"`

	// PRESENT
	CredentialType string  `json:"credential_type,omitempty"`
	Issuer         *string `json:"issuer,omitempty"`

	// PROVE
	ProofType string `json:"proof_type,omitempty"`

	// ALL / ANY
	Requirements []Requirement `json:"requirements,omitempty"`

	// NOT
	Inner *Requirement `json:"requirement,omitempty"`
}

// ValidityModel controls how long an attestation remains usable.
type ValidityModel string

const (
	ValidityJoinTime   ValidityModel = "join_time"
	ValidityContinuous ValidityModel = "continuous"
)

// ReceiptEmbedding controls whether a join receipt must/may/must-not embed
// the full policy document it was evaluated against.
type ReceiptEmbedding string

const (
	ReceiptRequire ReceiptEmbedding = "require"
	ReceiptAllow   ReceiptEmbedding = "allow"
	ReceiptForbid  ReceiptEmbedding = "forbid"
)

// ChannelLimits caps channel membership growth.
type ChannelLimits struct {
	MaxMembers *int `json:"max_members,omitempty"`
	MaxBots    *int `json:"max_bots,omitempty"`
}

// TransparencyConfig configures the privacy-preserving transparency log for
// a channel's issued attestations.
type TransparencyConfig struct {
	Visibility  string `json:"visibility"`
	MMDSeconds  int    `json:"mmd_seconds"` // maximum merge delay
}

// DefaultMMDSeconds is the transparency log's default maximum merge delay.
const DefaultMMDSeconds = 86400

// CredentialEndpoint hints clients at where to obtain a credential type.
type CredentialEndpoint struct {
	Issuer      string `json:"issuer"`
	URL         string `json:"url"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// PolicyDocument is an immutable, content-addressed channel governance
// document. PolicyID is always derived — never stored independently — by
// hashing the JCS-canonical form with PolicyID itself omitted.
type PolicyDocument struct {
	ChannelID           string                        `json:"channel_id"`
	PolicyID            string                        `json:"policy_id,omitempty"`
	Version             int                           `json:"version"`
	EffectiveAt         time.Time                     `json:"effective_at"`
	PreviousPolicyHash  string                        `json:"previous_policy_hash,omitempty"`
	AuthoritySetHash    string                        `json:"authority_set_hash"`
	Requirements        Requirement                   `json:"requirements"`
	RoleRequirements    map[string]Requirement        `json:"role_requirements,omitempty"`
	ValidityModel       ValidityModel                 `json:"validity_model"`
	ReceiptEmbedding    ReceiptEmbedding              `json:"receipt_embedding"`
	PolicyLocations     []string                      `json:"policy_locations,omitempty"`
	Limits              *ChannelLimits                `json:"limits,omitempty"`
	Transparency        *TransparencyConfig           `json:"transparency,omitempty"`
	CredentialEndpoints map[string]CredentialEndpoint `json:"credential_endpoints,omitempty"`
}

// AuthoritySigner is one signing authority within an AuthoritySet.
type AuthoritySigner struct {
	DID       string  `json:"did"`
	PublicKey string  `json:"public_key"` // base64 Ed25519 public key
	Label     *string `json:"label,omitempty"`
	Endpoint  *string `json:"endpoint,omitempty"`
}

// AuthoritySet is the content-addressed configuration of signers authorized
// to issue attestations and update policy for a channel.
type AuthoritySet struct {
	AuthoritySetHash        string              `json:"authority_set_hash,omitempty"`
	ChannelID               string              `json:"channel_id"`
	Signers                 []AuthoritySigner    `json:"signers"`
	PolicyThreshold         int                 `json:"policy_threshold"`
	AuthorityRefreshTTLSecs int                 `json:"authority_refresh_ttl_seconds"`
	Transparency            *TransparencyConfig `json:"transparency,omitempty"`
	PreviousAuthoritySetHash string             `json:"previous_authority_set_hash,omitempty"`
}

// DefaultAuthorityRefreshTTLSecs is AuthoritySet's default refresh TTL.
const DefaultAuthorityRefreshTTLSecs = 3600

// JoinState is the lifecycle of a join attempt.
type JoinState string

const (
	JoinPending   JoinState = "pending"
	JoinConfirmed JoinState = "confirmed"
	JoinFailed    JoinState = "failed"
	JoinStale     JoinState = "stale"
)

// JoinReceipt is the user-signed statement that they evaluated a specific
// policy version and request membership.
type JoinReceipt struct {
	ChannelID      string          `json:"channel_id"`
	PolicyID       string          `json:"policy_id"`
	JoinID         string          `json:"join_id"`
	SubjectDID     string          `json:"subject_did"`
	Timestamp      time.Time       `json:"timestamp"`
	Nonce          string          `json:"nonce"`
	EmbeddedPolicy *PolicyDocument `json:"embedded_policy,omitempty"`
	Signature      string          `json:"signature"`
}

// AttestationState is the lifecycle of an issued MembershipAttestation.
type AttestationState string

const (
	AttestationValid     AttestationState = "valid"
	AttestationSuspended AttestationState = "suspended"
	AttestationInvalid   AttestationState = "invalid"
)

// MembershipAttestation is a signed statement by an authority that a DID
// holds a role in a channel under a given policy version.
type MembershipAttestation struct {
	AttestationID    string     `json:"attestation_id"`
	ChannelID        string     `json:"channel_id"`
	PolicyID         string     `json:"policy_id"`
	AuthoritySetHash string     `json:"authority_set_hash"`
	SubjectDID       string     `json:"subject_did"`
	Role             string     `json:"role"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	JoinID           string     `json:"join_id,omitempty"`
	Signature        string     `json:"signature"`
	IssuerDID        string     `json:"issuer_did"`
}

// Expired reports whether the attestation has passed its expiry, if any.
func (a *MembershipAttestation) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// TransparencyLogEntry is a privacy-preserving record of an issued
// attestation: it carries the attestation's hash, never the subject DID.
type TransparencyLogEntry struct {
	EntryVersion      int       `json:"entry_version"`
	ChannelID         string    `json:"channel_id"`
	PolicyID          string    `json:"policy_id"`
	AttestationHash   string    `json:"attestation_hash"`
	IssuedAt          time.Time `json:"issued_at"`
	IssuerAuthorityID string    `json:"issuer_authority_id"`
}

// SignedTreeHead periodically commits to the transparency log's state.
type SignedTreeHead struct {
	LogID       string    `json:"log_id"`
	TreeSize    int64     `json:"tree_size"`
	RootHash    string    `json:"root_hash"`
	Timestamp   time.Time `json:"timestamp"`
	AuthorityID string    `json:"authority_id"`
	Signature   string    `json:"signature"`
}

// RevocationSignature is one authority's signature over an AuthorityRevocation.
type RevocationSignature struct {
	SignerDID string `json:"signer_did"`
	Signature string `json:"signature"`
}

// AuthorityRevocation replaces a channel's authority set after a compromise.
type AuthorityRevocation struct {
	ChannelID            string                 `json:"channel_id"`
	CompromisedSigners   []string               `json:"compromised_signers"`
	NewAuthoritySetHash  string                 `json:"new_authority_set_hash"`
	Signatures           []RevocationSignature  `json:"signatures"`
	Timestamp            time.Time              `json:"timestamp"`
}

// VerifiableCredential is an opaque, externally-issued credential presented
// as evidence during a join. The server never validates the issuer's trust
// root — only the signature over its own canonical form.
type VerifiableCredential struct {
	CredentialTypeTag string          `json:"credential_type_tag"` // always "FreeqCredential/v1"
	Issuer            string          `json:"issuer"`
	Subject           string          `json:"subject"`
	CredentialType    string          `json:"credential_type"`
	Claims            map[string]any  `json:"claims"`
	IssuedAt          time.Time       `json:"issued_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	Signature         string          `json:"signature"`
}

// CredentialTypeTag is the constant type tag stamped on every credential.
const CredentialTypeTag = "FreeqCredential/v1"

// IsExpired reports whether the credential has passed its expiry.
func (c *VerifiableCredential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Permission is a fine-grained action a role may be authorized to perform.
type Permission string

const (
	PermPost              Permission = "post"
	PermDelete            Permission = "delete"
	PermInvite            Permission = "invite"
	PermModerate          Permission = "moderate"
	PermAddBot            Permission = "add_bot"
	PermConfigureChannel  Permission = "configure_channel"
)

// RoleDefinition names a role and the permissions it carries once granted
// via a matching role requirement.
type RoleDefinition struct {
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}
