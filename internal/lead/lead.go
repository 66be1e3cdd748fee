package lead

import (
	"time"

	"github.com/google/uuid"
)

// Coordinates is the geographic location of a company.
type Coordinates struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Enrichment holds the attributes an enrichment flow can fill in. Empty values mean
// "unknown" and never overwrite known values on merge.
type Enrichment struct {
	Website                string       `json:"website,omitempty"`
	Industry               string       `json:"industry,omitempty"`
	ProductServiceCategory string       `json:"productServiceCategory,omitempty"`
	BusinessType           string       `json:"businessType,omitempty"`
	EmployeesCount         *int         `json:"employeesCount,omitempty"`
	Revenue                string       `json:"revenue,omitempty"`
	YearFounded            *int         `json:"yearFounded,omitempty"`
	BBBRating              string       `json:"bbbRating,omitempty"`
	Street                 string       `json:"street,omitempty"`
	City                   string       `json:"city,omitempty"`
	State                  string       `json:"state,omitempty"`
	CompanyPhone           string       `json:"companyPhone,omitempty"`
	CompanyLinkedIn        string       `json:"companyLinkedIn,omitempty"`
	OwnerFirstName         string       `json:"ownerFirstName,omitempty"`
	OwnerLastName          string       `json:"ownerLastName,omitempty"`
	OwnerTitle             string       `json:"ownerTitle,omitempty"`
	OwnerLinkedIn          string       `json:"ownerLinkedIn,omitempty"`
	OwnerPhoneNumber       string       `json:"ownerPhoneNumber,omitempty"`
	OwnerEmail             string       `json:"ownerEmail,omitempty"`
	Source                 string       `json:"source,omitempty"`
	CreatedDate            string       `json:"createdDate,omitempty"`
	UpdatedDate            string       `json:"updatedDate,omitempty"`
	Coordinates            *Coordinates `json:"coordinates,omitempty"`
}

// Lead is one business lead. ID is assigned at creation and never changes.
type Lead struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Phone       string   `json:"phone,omitempty"`
	CompanyName string   `json:"companyName,omitempty"`
	Industries  []string `json:"industries,omitempty"`

	Enrichment

	Score       *int   `json:"score,omitempty"`
	ScoreReason string `json:"scoreReason,omitempty"`

	// Transient processing flags. Set only while an operation is in flight for this lead.
	IsEnriching bool `json:"isEnriching,omitempty"`
	IsScoring   bool `json:"isScoring,omitempty"`

	SavedAt   time.Time `json:"savedAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

func (l Lead) RecordID() string { return l.ID }

// Company returns the company name used in prompts and exports.
func (l Lead) Company() string {
	if l.CompanyName != "" {
		return l.CompanyName
	}
	return l.Name
}

// New creates a lead from search output and assigns it a fresh ID.
func New(name, address, phone, website string) Lead {
	l := Lead{
		ID:          NewID(),
		Name:        name,
		Address:     address,
		Phone:       phone,
		CompanyName: name,
	}
	l.Website = website
	return l
}

func NewID() string {
	return uuid.NewString()
}

// Patch is a partial update produced by an operation. Nil fields are left untouched.
type Patch struct {
	Enrichment  *Enrichment
	Score       *int
	ScoreReason *string
}

// Apply returns a copy of l with p merged in.
func (l Lead) Apply(p Patch) Lead {
	if p.Enrichment != nil {
		l.Enrichment = l.Enrichment.Merge(*p.Enrichment)
	}
	if p.Score != nil {
		s := *p.Score
		l.Score = &s
	}
	if p.ScoreReason != nil {
		l.ScoreReason = *p.ScoreReason
	}
	return l
}

// Overlay merges a newer version of the same lead onto l: non-empty fields of next win.
// Used for merge-upserts into persistent storage.
func (l Lead) Overlay(next Lead) Lead {
	l.Name = pickString(l.Name, next.Name)
	l.Address = pickString(l.Address, next.Address)
	l.Phone = pickString(l.Phone, next.Phone)
	l.CompanyName = pickString(l.CompanyName, next.CompanyName)
	if len(next.Industries) > 0 {
		l.Industries = append([]string(nil), next.Industries...)
	}
	l.Enrichment = l.Enrichment.Merge(next.Enrichment)
	if next.Score != nil {
		s := *next.Score
		l.Score = &s
	}
	l.ScoreReason = pickString(l.ScoreReason, next.ScoreReason)
	if !next.SavedAt.IsZero() {
		l.SavedAt = next.SavedAt
	}
	if !next.UpdatedAt.IsZero() {
		l.UpdatedAt = next.UpdatedAt
	}
	return l
}

// Stripped returns l without transient processing flags.
func (l Lead) Stripped() Lead {
	l.IsEnriching = false
	l.IsScoring = false
	return l
}

// Merge returns e with every known value of next copied over.
func (e Enrichment) Merge(next Enrichment) Enrichment {
	e.Website = pickString(e.Website, next.Website)
	e.Industry = pickString(e.Industry, next.Industry)
	e.ProductServiceCategory = pickString(e.ProductServiceCategory, next.ProductServiceCategory)
	e.BusinessType = pickString(e.BusinessType, next.BusinessType)
	e.EmployeesCount = pickInt(e.EmployeesCount, next.EmployeesCount)
	e.Revenue = pickString(e.Revenue, next.Revenue)
	e.YearFounded = pickInt(e.YearFounded, next.YearFounded)
	e.BBBRating = pickString(e.BBBRating, next.BBBRating)
	e.Street = pickString(e.Street, next.Street)
	e.City = pickString(e.City, next.City)
	e.State = pickString(e.State, next.State)
	e.CompanyPhone = pickString(e.CompanyPhone, next.CompanyPhone)
	e.CompanyLinkedIn = pickString(e.CompanyLinkedIn, next.CompanyLinkedIn)
	e.OwnerFirstName = pickString(e.OwnerFirstName, next.OwnerFirstName)
	e.OwnerLastName = pickString(e.OwnerLastName, next.OwnerLastName)
	e.OwnerTitle = pickString(e.OwnerTitle, next.OwnerTitle)
	e.OwnerLinkedIn = pickString(e.OwnerLinkedIn, next.OwnerLinkedIn)
	e.OwnerPhoneNumber = pickString(e.OwnerPhoneNumber, next.OwnerPhoneNumber)
	e.OwnerEmail = pickString(e.OwnerEmail, next.OwnerEmail)
	e.Source = pickString(e.Source, next.Source)
	e.CreatedDate = pickString(e.CreatedDate, next.CreatedDate)
	e.UpdatedDate = pickString(e.UpdatedDate, next.UpdatedDate)
	if next.Coordinates != nil {
		c := Coordinates{}
		if e.Coordinates != nil {
			c = *e.Coordinates
		}
		c.Latitude = pickFloat(c.Latitude, next.Coordinates.Latitude)
		c.Longitude = pickFloat(c.Longitude, next.Coordinates.Longitude)
		e.Coordinates = &c
	}
	return e
}

func pickString(cur, next string) string {
	if next != "" {
		return next
	}
	return cur
}

func pickInt(cur, next *int) *int {
	if next == nil {
		return cur
	}
	v := *next
	return &v
}

func pickFloat(cur, next *float64) *float64 {
	if next == nil {
		return cur
	}
	v := *next
	return &v
}
