package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tenderscout/simap_sync/models"
)

// Language preference for picking a record's primary language: first title
// variant with content wins, German is the fallback.
var languagePriority = []string{"de", "fr", "it", "en"}

// TransformProject maps a raw search document onto the tenders schema. It is
// total: missing or null source fields become zero values, never a failure.
// Only a document without an id is rejected.
func TransformProject(project map[string]any, source, sourceURLBase string, now time.Time) (models.Tender, error) {
	externalID := str(project, "id")
	if externalID == "" {
		return models.Tender{}, errors.New("project document has no id")
	}

	orderAddress := subMap(project, "orderAddress")
	title := localized(project, "title")

	language := "de"
	for _, lang := range languagePriority {
		if title[lang] != "" {
			language = lang
			break
		}
	}

	projectNumber := str(project, "projectNumber")
	country := str(orderAddress, "countryId")
	if country == "" {
		country = "CH"
	}

	return models.Tender{
		ID:         uuid.New(),
		ExternalID: externalID,
		Source:     source,
		SourceURL:  fmt.Sprintf("%s/project/%s", sourceURLBase, projectNumber),

		Title:             title,
		ProjectNumber:     projectNumber,
		PublicationNumber: str(project, "publicationNumber"),
		PublicationID:     str(project, "publicationId"),
		ProjectType:       str(project, "projectType"),
		ProjectSubType:    str(project, "projectSubType"),
		ProcessType:       str(project, "processType"),
		LotsType:          str(project, "lotsType"),

		Authority:       localized(project, "procOfficeName"),
		PublicationDate: str(project, "publicationDate"),
		PubType:         str(project, "pubType"),
		Corrected:       boolVal(project, "corrected"),

		Region:       str(orderAddress, "cantonId"),
		Country:      country,
		OrderAddress: models.Address(orderAddress),
		Language:     language,

		Status:          models.StatusOpen,
		StatusChangedAt: now,

		RawData:   rawJSON(project),
		UpdatedAt: now,
	}, nil
}

// TransformDetail maps a publication-details document onto a column patch for
// one tender. Fields the source omits are absent from the result, so a merge
// can never overwrite a known value with unknown.
func TransformDetail(details map[string]any, now time.Time) map[string]any {
	projectInfo := subMap(details, "project-info")
	procurement := subMap(details, "procurement")
	terms := subMap(details, "terms")
	dates := subMap(details, "dates")
	criteria := subMap(details, "criteria")

	fields := map[string]any{
		"raw_detail_data":    rawJSON(details),
		"details_fetched_at": now,
		"updated_at":         now,
	}

	if deadline, ok := parseTime(str(dates, "offerDeadline")); ok {
		fields["deadline"] = deadline
	}
	offerOpening := subMap(dates, "offerOpening")
	if t, ok := parseTime(str(offerOpening, "dateTime")); ok {
		fields["offer_opening"] = t
	}

	if desc := localized(procurement, "orderDescription"); len(desc) > 0 {
		fields["description"] = desc
	}

	if cpv := str(procurement, "cpvCode"); cpv != "" {
		fields["cpv_codes"] = rawJSON([]string{cpv})
	}
	putList(fields, "bkp_codes", procurement, "bkpCodes")
	putList(fields, "qualification_criteria", criteria, "qualificationCriteria")
	putList(fields, "award_criteria", criteria, "awardCriteria")
	putList(fields, "lots", details, "lots")
	putList(fields, "documents_languages", projectInfo, "documentsLanguages")
	putList(fields, "offer_languages", projectInfo, "offerLanguages")

	if addr := subMap(projectInfo, "procOfficeAddress"); len(addr) > 0 {
		fields["proc_office_address"] = models.Address(addr)
	}
	if addr := subMap(projectInfo, "offerAddress"); len(addr) > 0 {
		fields["offer_address"] = models.Address(addr)
	}

	// The detail's order address is more reliable than the search one.
	orderAddress := subMap(procurement, "orderAddress")
	if region := str(orderAddress, "cantonId"); region != "" {
		fields["region"] = region
	}
	if country := str(orderAddress, "countryId"); country != "" {
		fields["country"] = country
	}

	putStr(fields, "variants_allowed", procurement, "variants")
	putStr(fields, "partial_offers_allowed", procurement, "partialOffers")
	putStr(fields, "consortium_allowed", terms, "consortiumAllowed")
	putStr(fields, "subcontractor_allowed", terms, "subContractorAllowed")

	return fields
}

func str(doc map[string]any, key string) string {
	if doc == nil {
		return ""
	}
	s, _ := doc[key].(string)
	return s
}

func boolVal(doc map[string]any, key string) bool {
	if doc == nil {
		return false
	}
	b, _ := doc[key].(bool)
	return b
}

func subMap(doc map[string]any, key string) map[string]any {
	if doc == nil {
		return nil
	}
	m, _ := doc[key].(map[string]any)
	return m
}

// localized extracts a multilingual object, dropping empty and null variants.
func localized(doc map[string]any, key string) models.LocalizedText {
	m := subMap(doc, key)
	if len(m) == 0 {
		return nil
	}

	out := models.LocalizedText{}
	for lang, v := range m {
		if s, ok := v.(string); ok && s != "" {
			out[lang] = s
		}
	}
	if len(out) == 0 {
		return nil
	}

	return out
}

func rawJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func putList(fields map[string]any, column string, doc map[string]any, key string) {
	if doc == nil {
		return
	}
	list, ok := doc[key].([]any)
	if !ok || len(list) == 0 {
		return
	}
	fields[column] = rawJSON(list)
}

func putStr(fields map[string]any, column string, doc map[string]any, key string) {
	if s := str(doc, key); s != "" {
		fields[column] = s
	}
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
