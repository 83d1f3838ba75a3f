package event

import "time"

func init() {
	Register(TypeInvitationSent, func() Event { return &InvitationSent{} })
	Register(TypeInvitationAccepted, func() Event { return &InvitationAccepted{} })
	Register(TypeInvitationExpired, func() Event { return &InvitationExpired{} })
	Register(TypeInvitationCancelled, func() Event { return &InvitationCancelled{} })
}

// InvitationSent is published when an organization invitation is sent.
type InvitationSent struct {
	InvitationID   string    `json:"invitation_id"`
	OrganizationID string    `json:"organization_id"`
	Email          string    `json:"email"`
	InviterUserID  string    `json:"inviter_user_id"`
	Role           string    `json:"role,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *InvitationSent) Type() string    { return TypeInvitationSent }
func (e *InvitationSent) Subject() string { return TypeInvitationSent }

func (e *InvitationSent) Validate() error {
	if err := validateInvitation(TypeInvitationSent, e.InvitationID, e.OrganizationID); err != nil {
		return err
	}
	if e.Email == "" {
		return invalid(TypeInvitationSent, "email is required")
	}
	return nil
}

// InvitationAccepted is published when the invitee joins the organization.
type InvitationAccepted struct {
	InvitationID   string    `json:"invitation_id"`
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *InvitationAccepted) Type() string    { return TypeInvitationAccepted }
func (e *InvitationAccepted) Subject() string { return TypeInvitationAccepted }

func (e *InvitationAccepted) Validate() error {
	if err := validateInvitation(TypeInvitationAccepted, e.InvitationID, e.OrganizationID); err != nil {
		return err
	}
	if e.UserID == "" {
		return invalid(TypeInvitationAccepted, "user_id is required")
	}
	return nil
}

// InvitationExpired is published when an invitation passes its expiry.
type InvitationExpired struct {
	InvitationID   string    `json:"invitation_id"`
	OrganizationID string    `json:"organization_id"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *InvitationExpired) Type() string    { return TypeInvitationExpired }
func (e *InvitationExpired) Subject() string { return TypeInvitationExpired }

func (e *InvitationExpired) Validate() error {
	return validateInvitation(TypeInvitationExpired, e.InvitationID, e.OrganizationID)
}

// InvitationCancelled is published when an invitation is revoked.
type InvitationCancelled struct {
	InvitationID   string    `json:"invitation_id"`
	OrganizationID string    `json:"organization_id"`
	CancelledBy    string    `json:"cancelled_by,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *InvitationCancelled) Type() string    { return TypeInvitationCancelled }
func (e *InvitationCancelled) Subject() string { return TypeInvitationCancelled }

func (e *InvitationCancelled) Validate() error {
	return validateInvitation(TypeInvitationCancelled, e.InvitationID, e.OrganizationID)
}

func validateInvitation(eventType, invitationID, organizationID string) error {
	if invitationID == "" {
		return invalid(eventType, "invitation_id is required")
	}
	if organizationID == "" {
		return invalid(eventType, "organization_id is required")
	}
	return nil
}
