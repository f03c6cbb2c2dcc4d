package lttracking

import "time"

// Visitor représente une identité de navigation anonyme, créée à la
// première activité observée et jamais modifiée ensuite
type Visitor struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	VisitorID string    `gorm:"uniqueIndex;not null" json:"visitor_id"`
	UserAgent string    `json:"user_agent"`
	IPAddress string    `json:"ip_address"`
	Country   string    `json:"country"`
	Region    string    `json:"region"`
	City      string    `json:"city"`
	Referrer  string    `json:"referrer"`
	FirstPage string    `json:"first_page"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// Session représente une séquence d'activité bornée d'un visiteur.
// EndedAt sert de filigrane de dernière activité: il est rafraîchi par
// chaque événement enregistré et ne devient un vrai timestamp de fin
// qu'à la clôture (Closed = true).
type Session struct {
	ID              uint64     `gorm:"primaryKey" json:"id"`
	SessionID       string     `gorm:"uniqueIndex;not null" json:"session_id"`
	VisitorID       string     `gorm:"index;not null" json:"visitor_id"`
	LeadID          *string    `gorm:"index" json:"lead_id"`
	ContactID       *string    `gorm:"index" json:"contact_id"`
	StartedAt       time.Time  `gorm:"index" json:"started_at"`
	EndedAt         *time.Time `gorm:"index" json:"ended_at"`
	Closed          bool       `json:"closed"`
	PageViews       int        `gorm:"default:0" json:"page_views"`
	EventsCount     int        `gorm:"default:0" json:"events_count"`
	FormSubmissions int        `gorm:"default:0" json:"form_submissions"`
	Duration        int        `gorm:"default:0" json:"duration"`
	UtmSource       string     `json:"utm_source"`
	UtmMedium       string     `json:"utm_medium"`
	UtmCampaign     string     `json:"utm_campaign"`
}

// PageView représente une vue de page
type PageView struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"index;not null" json:"session_id"`
	VisitorID  string    `gorm:"index;not null" json:"visitor_id"`
	PageURL    string    `gorm:"not null" json:"page_url"`
	PageTitle  string    `json:"page_title"`
	TimeOnPage int       `gorm:"default:0" json:"time_on_page"`
	Bounce     bool      `json:"bounce"`
	ExitPage   bool      `json:"exit_page"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName spécifie le nom de la table pour Visitor
func (Visitor) TableName() string {
	return "visitors"
}

// TableName spécifie le nom de la table pour Session
func (Session) TableName() string {
	return "sessions"
}

// TableName spécifie le nom de la table pour PageView
func (PageView) TableName() string {
	return "page_views"
}
