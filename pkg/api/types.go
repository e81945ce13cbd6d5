package api

import (
	"encoding/json"
	"time"
)

// Visibility controls who can discover an API through the portal.
type Visibility string

const (
	VisibilityPublic     Visibility = "PUBLIC"
	VisibilityPrivate    Visibility = "PRIVATE"
	VisibilityRestricted Visibility = "RESTRICTED"
)

// LifecycleState tracks whether an API is running on the gateway. It is
// distinct from the publish/deploy event history: an API can be edited (and
// drift from its last deployed snapshot) without changing state.
type LifecycleState string

const (
	LifecycleStopped LifecycleState = "STOPPED"
	LifecycleStarted LifecycleState = "STARTED"
)

// EventType identifies a lifecycle or deployment event.
type EventType string

const (
	EventPublishAPI   EventType = "PUBLISH_API"
	EventUnpublishAPI EventType = "UNPUBLISH_API"
	EventStartAPI     EventType = "START_API"
	EventStopAPI      EventType = "STOP_API"
)

// Event property keys. Every lifecycle-producing event carries both.
const (
	EventPropertyAPIID    = "api_id"
	EventPropertyUsername = "username"
)

// MembershipType is the role a user holds on a reference.
type MembershipType string

const (
	MembershipPrimaryOwner MembershipType = "PRIMARY_OWNER"
	MembershipOwner        MembershipType = "OWNER"
	MembershipUser         MembershipType = "USER"
)

// MembershipReferenceType scopes a membership to a kind of entity.
type MembershipReferenceType string

const (
	MembershipReferenceAPI         MembershipReferenceType = "API"
	MembershipReferenceApplication MembershipReferenceType = "APPLICATION"
)

// Api is the persisted API record. The routing configuration lives in the
// Definition column as a serialized JSON document; RecordVersion is the
// optimistic-concurrency token checked by repository Update implementations.
type Api struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description"`
	Definition    string         `json:"definition,omitempty"`
	Visibility    Visibility     `json:"visibility"`
	Lifecycle     LifecycleState `json:"lifecycle_state"`
	Picture       string         `json:"picture,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeployedAt    *time.Time     `json:"deployed_at,omitempty"`
	RecordVersion int64          `json:"record_version"`
}

// Definition is the gateway routing document stored in Api.Definition.
// Decoding tolerates unknown top-level fields: exported definitions can
// carry members and pages next to the core fields.
type Definition struct {
	ID         string                     `json:"id,omitempty"`
	Name       string                     `json:"name,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Proxy      Proxy                      `json:"proxy"`
	Paths      map[string][]Rule          `json:"paths,omitempty"`
	Services   map[string]json.RawMessage `json:"services,omitempty"`
	Resources  []Resource                 `json:"resources,omitempty"`
	Properties map[string]string          `json:"properties,omitempty"`
	Tags       []string                   `json:"tags,omitempty"`
	Views      []string                   `json:"views,omitempty"`
}

// Proxy describes how the gateway exposes and forwards traffic for an API.
type Proxy struct {
	ContextPath string     `json:"context_path"`
	Endpoints   []Endpoint `json:"endpoints,omitempty"`
	StripPath   bool       `json:"strip_context_path,omitempty"`
}

// Endpoint is a backend target.
type Endpoint struct {
	Name   string `json:"name,omitempty"`
	Target string `json:"target"`
	Weight int    `json:"weight,omitempty"`
}

// Rule binds a policy to a path for a set of HTTP methods.
type Rule struct {
	Methods []string `json:"methods,omitempty"`
	Policy  Policy   `json:"policy"`
}

// Policy is a named gateway policy with its raw configuration.
type Policy struct {
	Name          string `json:"name"`
	Configuration string `json:"configuration,omitempty"`
}

// Resource is a reusable component referenced by policies (cache, token
// server, ...). Its configuration is opaque to the control plane.
type Resource struct {
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// ApiDetails is an Api joined with its decoded definition and resolved
// primary owner. This is what services return and handlers render.
type ApiDetails struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Version      string                     `json:"version"`
	Description  string                     `json:"description"`
	Proxy        Proxy                      `json:"proxy"`
	Paths        map[string][]Rule          `json:"paths,omitempty"`
	Services     map[string]json.RawMessage `json:"services,omitempty"`
	Resources    []Resource                 `json:"resources,omitempty"`
	Properties   map[string]string          `json:"properties,omitempty"`
	Tags         []string                   `json:"tags,omitempty"`
	Views        []string                   `json:"views,omitempty"`
	Visibility   Visibility                 `json:"visibility"`
	State        LifecycleState             `json:"state"`
	Picture      string                     `json:"picture,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
	DeployedAt   *time.Time                 `json:"deployed_at,omitempty"`
	PrimaryOwner *User                      `json:"primary_owner,omitempty"`
}

// NewApi is the creation request: the minimal fields needed to bootstrap an
// API with a default keyed path.
type NewApi struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	ContextPath string   `json:"context_path"`
	Endpoint    string   `json:"endpoint"`
	Paths       []string `json:"paths,omitempty"`
}

// UpdateApi carries the mutable fields of an API. An empty Picture means
// "keep the existing picture", never "clear it".
type UpdateApi struct {
	Name        string                     `json:"name"`
	Version     string                     `json:"version"`
	Description string                     `json:"description"`
	Proxy       Proxy                      `json:"proxy"`
	Paths       map[string][]Rule          `json:"paths,omitempty"`
	Services    map[string]json.RawMessage `json:"services,omitempty"`
	Resources   []Resource                 `json:"resources,omitempty"`
	Properties  map[string]string          `json:"properties,omitempty"`
	Tags        []string                   `json:"tags,omitempty"`
	Views       []string                   `json:"views,omitempty"`
	Visibility  Visibility                 `json:"visibility,omitempty"`
	Picture     string                     `json:"picture,omitempty"`
}

// Membership is the (user, reference, role) relation. Exactly one
// PRIMARY_OWNER membership must exist per API at all times after creation.
type Membership struct {
	UserID        string                  `json:"user_id"`
	ReferenceID   string                  `json:"reference_id"`
	ReferenceType MembershipReferenceType `json:"reference_type"`
	Type          MembershipType          `json:"type"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// Member is a membership hydrated with the user's profile. Timestamps are
// pointers so exports can strip them.
type Member struct {
	Username  string         `json:"username"`
	Firstname string         `json:"firstname,omitempty"`
	Lastname  string         `json:"lastname,omitempty"`
	Email     string         `json:"email,omitempty"`
	Type      MembershipType `json:"type"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

// Event is an immutable deployment/lifecycle record. The payload is the
// serialized Api at event time and is never rewritten.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Payload    string            `json:"payload"`
	Properties map[string]string `json:"properties"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ApiKey belongs to an application's subscription; referenced here only for
// the deletion cascade when an API is removed.
type ApiKey struct {
	Key         string     `json:"key"`
	Api         string     `json:"api"`
	Application string     `json:"application"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// User is a management user. Source/SourceID identify the external identity
// provider a user was materialized from, if any.
type User struct {
	Username  string `json:"username"`
	Firstname string `json:"firstname,omitempty"`
	Lastname  string `json:"lastname,omitempty"`
	Email     string `json:"email,omitempty"`
	Source    string `json:"source,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
}

// Page is a piece of portal documentation attached to an API.
type Page struct {
	ID        string    `json:"id,omitempty"`
	ApiID     string    `json:"api_id,omitempty"`
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"`
	Content   string    `json:"content,omitempty"`
	Order     int       `json:"order,omitempty"`
	Published bool      `json:"published,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Image is a resolved API picture.
type Image struct {
	Type    string `json:"type"`
	Content []byte `json:"content"`
}
