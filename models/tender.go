package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Tender statuses, driven by the publication deadline.
const (
	StatusOpen        = "open"
	StatusClosingSoon = "closing_soon"
	StatusClosed      = "closed"
)

// LocalizedText holds a multilingual field as returned by SIMAP,
// e.g. {"de": "...", "fr": "..."}. Languages with no content are omitted.
type LocalizedText map[string]string

func (t LocalizedText) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}

	return json.Marshal(t)
}

func (t *LocalizedText) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}

	b, err := jsonBytes(value)
	if err != nil {
		return err
	}

	return json.Unmarshal(b, t)
}

// Address is a free-form address object (office, recipient, offer submission).
type Address map[string]any

func (a Address) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}

	return json.Marshal(a)
}

func (a *Address) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	b, err := jsonBytes(value)
	if err != nil {
		return err
	}

	return json.Unmarshal(b, a)
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("jsonb assertion to []byte failed")
	}
}

// Tender is one harvested procurement record. (external_id, source) is the
// natural key; rows are created on first sight, updated on every re-harvest
// and again when publication details are fetched. Never deleted here.
type Tender struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ExternalID string    `gorm:"column:external_id;uniqueIndex:idx_tenders_external_id_source" json:"external_id"`
	Source     string    `gorm:"column:source;uniqueIndex:idx_tenders_external_id_source" json:"source"`
	SourceURL  string    `gorm:"column:source_url" json:"source_url,omitempty"`

	Title             LocalizedText `gorm:"column:title;type:jsonb" json:"title,omitempty"`
	ProjectNumber     string        `gorm:"column:project_number" json:"project_number,omitempty"`
	PublicationNumber string        `gorm:"column:publication_number" json:"publication_number,omitempty"`
	PublicationID     string        `gorm:"column:publication_id" json:"publication_id,omitempty"`
	ProjectType       string        `gorm:"column:project_type" json:"project_type,omitempty"`
	ProjectSubType    string        `gorm:"column:project_sub_type" json:"project_sub_type,omitempty"`
	ProcessType       string        `gorm:"column:process_type" json:"process_type,omitempty"`
	LotsType          string        `gorm:"column:lots_type" json:"lots_type,omitempty"`

	Authority       LocalizedText `gorm:"column:authority;type:jsonb" json:"authority,omitempty"`
	PublicationDate string        `gorm:"column:publication_date" json:"publication_date,omitempty"`
	PubType         string        `gorm:"column:pub_type" json:"pub_type,omitempty"`
	Corrected       bool          `gorm:"column:corrected" json:"corrected"`

	Region       string  `gorm:"column:region" json:"region,omitempty"`
	Country      string  `gorm:"column:country" json:"country,omitempty"`
	OrderAddress Address `gorm:"column:order_address;type:jsonb" json:"order_address,omitempty"`
	Language     string  `gorm:"column:language" json:"language,omitempty"`

	Status          string     `gorm:"column:status" json:"status"`
	StatusChangedAt time.Time  `gorm:"column:status_changed_at" json:"status_changed_at"`
	Deadline        *time.Time `gorm:"column:deadline" json:"deadline,omitempty"`
	OfferOpening    *time.Time `gorm:"column:offer_opening" json:"offer_opening,omitempty"`

	// Detail fields, populated by the publication-details enrichment pass.
	Description           LocalizedText  `gorm:"column:description;type:jsonb" json:"description,omitempty"`
	CpvCodes              datatypes.JSON `gorm:"column:cpv_codes;type:jsonb" json:"cpv_codes,omitempty"`
	BkpCodes              datatypes.JSON `gorm:"column:bkp_codes;type:jsonb" json:"bkp_codes,omitempty"`
	QualificationCriteria datatypes.JSON `gorm:"column:qualification_criteria;type:jsonb" json:"qualification_criteria,omitempty"`
	AwardCriteria         datatypes.JSON `gorm:"column:award_criteria;type:jsonb" json:"award_criteria,omitempty"`
	Lots                  datatypes.JSON `gorm:"column:lots;type:jsonb" json:"lots,omitempty"`
	ProcOfficeAddress     Address        `gorm:"column:proc_office_address;type:jsonb" json:"proc_office_address,omitempty"`
	OfferAddress          Address        `gorm:"column:offer_address;type:jsonb" json:"offer_address,omitempty"`
	DocumentsLanguages    datatypes.JSON `gorm:"column:documents_languages;type:jsonb" json:"documents_languages,omitempty"`
	OfferLanguages        datatypes.JSON `gorm:"column:offer_languages;type:jsonb" json:"offer_languages,omitempty"`
	VariantsAllowed       string         `gorm:"column:variants_allowed" json:"variants_allowed,omitempty"`
	PartialOffersAllowed  string         `gorm:"column:partial_offers_allowed" json:"partial_offers_allowed,omitempty"`
	ConsortiumAllowed     string         `gorm:"column:consortium_allowed" json:"consortium_allowed,omitempty"`
	SubcontractorAllowed  string         `gorm:"column:subcontractor_allowed" json:"subcontractor_allowed,omitempty"`

	RawData          datatypes.JSON `gorm:"column:raw_data;type:jsonb" json:"raw_data,omitempty"`
	RawDetailData    datatypes.JSON `gorm:"column:raw_detail_data;type:jsonb" json:"raw_detail_data,omitempty"`
	DetailsFetchedAt *time.Time     `gorm:"column:details_fetched_at" json:"details_fetched_at,omitempty"`

	DeletedAt *time.Time `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (t Tender) TableName() string {
	return "tenders"
}
