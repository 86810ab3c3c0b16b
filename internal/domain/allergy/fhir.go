package allergy

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patient-records/internal/domain/terminology"
	"github.com/ehr/patient-records/internal/platform/fhir"
)

const (
	clinicalStatusSystem     = "http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical"
	verificationStatusSystem = "http://terminology.hl7.org/CodeSystem/allergyintolerance-verification"

	// SNOMED CT "No known allergy".
	noKnownAllergyCode    = "716186003"
	noKnownAllergyDisplay = "No known allergy"
)

var fhirCategory = map[AllergenType]string{
	AllergenDrug:        "medication",
	AllergenFood:        "food",
	AllergenEnvironment: "environment",
}

func statusConcept(system, code string) fhir.CodeableConcept {
	return fhir.CodeableConcept{Coding: []fhir.Coding{{System: system, Code: code}}}
}

func conceptCC(c *terminology.Concept, text string) fhir.CodeableConcept {
	cc := fhir.CodeableConcept{Text: text}
	if c != nil {
		cc.Coding = []fhir.Coding{c.Coding()}
	}
	return cc
}

// ToFHIR renders the allergy as a FHIR R4 AllergyIntolerance.
func (a *Allergy) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "AllergyIntolerance",
		"id":           a.ID.String(),
		"meta":         fhir.Meta{LastUpdated: a.UpdatedAt},
		"patient":      fhir.Reference{Reference: fhir.FormatReference("Patient", a.PatientID.String())},
		"type":         "allergy",
		"code":         conceptCC(a.Allergen.Coded, a.Allergen.Display()),
	}
	if a.Voided {
		result["clinicalStatus"] = statusConcept(clinicalStatusSystem, "inactive")
		result["verificationStatus"] = statusConcept(verificationStatusSystem, "entered-in-error")
	} else {
		result["clinicalStatus"] = statusConcept(clinicalStatusSystem, "active")
		result["verificationStatus"] = statusConcept(verificationStatusSystem, "confirmed")
	}
	if cat, ok := fhirCategory[a.Allergen.Type]; ok {
		result["category"] = []string{cat}
	}
	if !a.CreatedAt.IsZero() {
		result["recordedDate"] = a.CreatedAt.Format(time.RFC3339)
	}
	if a.Comment != nil && *a.Comment != "" {
		result["note"] = []fhir.Annotation{{Text: *a.Comment}}
	}

	severity := fhirSeverity(a.Severity)
	if len(a.Reactions) > 0 {
		reactions := make([]map[string]interface{}, 0, len(a.Reactions))
		for _, r := range a.Reactions {
			rx := map[string]interface{}{
				"manifestation": []fhir.CodeableConcept{conceptCC(r.Reaction, r.Display())},
			}
			if severity != "" {
				rx["severity"] = severity
			}
			reactions = append(reactions, rx)
		}
		result["reaction"] = reactions
	}
	if a.Severity != nil {
		if crit := fhirCriticality(severity); crit != "" {
			result["criticality"] = crit
		}
	}
	return result
}

// fhirSeverity maps a severity concept onto the FHIR reaction severity codes.
func fhirSeverity(c *terminology.Concept) string {
	if c == nil {
		return ""
	}
	switch s := strings.ToLower(c.Display); s {
	case "mild", "moderate", "severe":
		return s
	}
	return ""
}

func fhirCriticality(severity string) string {
	switch severity {
	case "severe":
		return "high"
	case "mild", "moderate":
		return "low"
	}
	return ""
}

// noKnownAllergies stands for an affirmative no-known-allergies statement
// in FHIR searches.
type noKnownAllergies struct {
	patientID uuid.UUID
}

func (n noKnownAllergies) ResourceType() string { return "AllergyIntolerance" }
func (n noKnownAllergies) ResourceID() string   { return "nka-" + n.patientID.String() }

func (n noKnownAllergies) ToFHIR() map[string]interface{} {
	return map[string]interface{}{
		"resourceType":       "AllergyIntolerance",
		"id":                 n.ResourceID(),
		"patient":            fhir.Reference{Reference: fhir.FormatReference("Patient", n.patientID.String())},
		"clinicalStatus":     statusConcept(clinicalStatusSystem, "active"),
		"verificationStatus": statusConcept(verificationStatusSystem, "confirmed"),
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: terminology.SystemSNOMED, Code: noKnownAllergyCode, Display: noKnownAllergyDisplay}},
			Text:   noKnownAllergyDisplay,
		},
	}
}

// fhirResources lists what a FHIR search for the patient returns.
func fhirResources(patientID uuid.UUID, list *Allergies) []fhir.Resource {
	if list.Status() == StatusNoKnownAllergies {
		return []fhir.Resource{noKnownAllergies{patientID: patientID}}
	}
	out := make([]fhir.Resource, 0, list.Len())
	for _, a := range list.list {
		out = append(out, a)
	}
	return out
}

func renderFHIR(r fhir.Resource) (interface{}, error) {
	switch v := r.(type) {
	case *Allergy:
		return v.ToFHIR(), nil
	case noKnownAllergies:
		return v.ToFHIR(), nil
	}
	return nil, fmt.Errorf("unsupported resource %T", r)
}
