package contacts

import "time"

// Contact is an identity within an organization. The pipeline never
// hard-deletes contacts; removal flows live outside the messaging core.
type Contact struct {
	ID             string
	OrganizationID string
	FirstName      string
	LastName       string
	Phone          string
	Email          string
	CountryCode    string
	LanguageCode   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ContactChannel links a Contact to one provider channel identity.
type ContactChannel struct {
	ID                string
	ContactID         string
	ChatbotID         string
	ChannelID         string
	ChannelIdentifier string
	ChannelData       map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FindOrCreateRequest seeds a contact created on first inbound touch.
type FindOrCreateRequest struct {
	OrganizationID string
	Phone          string
	DisplayName    string
}
