package provider

import (
	"strings"
	"time"

	"github.com/clinicsched/clinicsched/internal/domain/scheduling"
)

// Roles a provider record may carry. Only some of them take appointments,
// see scheduling.IsBookableRole.
const (
	RolePhysician         = "physician"
	RoleDentist           = "dentist"
	RoleHygienist         = "hygienist"
	RoleTherapist         = "therapist"
	RoleNursePractitioner = "nurse_practitioner"
	RoleAssistant         = "assistant"
)

var knownRoles = map[string]bool{
	RolePhysician: true, RoleDentist: true, RoleHygienist: true,
	RoleTherapist: true, RoleNursePractitioner: true, RoleAssistant: true,
}

// Provider maps to the provider table. ID is the identity provider's
// subject, so a provider editing their own schedule is recognised by it.
type Provider struct {
	ID          string    `db:"id" json:"id" bson:"_id"`
	DisplayName string    `db:"display_name" json:"display_name" bson:"display_name"`
	Role        string    `db:"role" json:"role" bson:"role"`
	Active      bool      `db:"active" json:"active" bson:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at" bson:"updated_at"`
}

func (p *Provider) Bookable() bool {
	return p.Active && scheduling.IsBookableRole(p.Role)
}

func (p *Provider) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return &scheduling.ValidationError{Field: "id", Message: "is required"}
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return &scheduling.ValidationError{Field: "display_name", Message: "is required"}
	}
	if !knownRoles[p.Role] {
		return &scheduling.ValidationError{Field: "role", Message: "unknown role " + p.Role}
	}
	return nil
}

func (p *Provider) record() *scheduling.ProviderRecord {
	return &scheduling.ProviderRecord{ID: p.ID, Role: p.Role, Active: p.Active}
}

// Filter narrows List.
type Filter struct {
	Role       string
	ActiveOnly bool
}
