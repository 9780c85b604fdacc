package validation

import (
	"fmt"

	"github.com/haven-hmis/recordflow/internal/hmis"
	"github.com/haven-hmis/recordflow/internal/record/domain"
	"gorm.io/datatypes"
)

// RequireFields flags any of the named payload fields that are absent or
// blank.
func RequireFields(fields ...string) Rule {
	return func(payload datatypes.JSONMap) []domain.FieldError {
		var errs []domain.FieldError
		for _, field := range fields {
			if !present(payload, field) {
				errs = append(errs, domain.FieldError{
					Field:   field,
					Message: fmt.Sprintf("%s is required", field),
				})
			}
		}
		return errs
	}
}

// IncomeConsistency enforces the HUD pairing between the "income from
// any source" flag and the total monthly income amount.
func IncomeConsistency(payload datatypes.JSONMap) []domain.FieldError {
	var errs []domain.FieldError

	fromAny := fivePointField(payload, "incomeFromAnySource")
	total, totalSet := intField(payload, "totalMonthlyIncome")

	switch {
	case fromAny.IsNo():
		if totalSet && total > 0 {
			errs = append(errs, domain.FieldError{
				Field:   "totalMonthlyIncome",
				Message: "total monthly income must be 0 when income from any source is 'No'",
			})
		}
	case fromAny.IsYes():
		if !totalSet || total <= 0 {
			errs = append(errs, domain.FieldError{
				Field:   "totalMonthlyIncome",
				Message: "total monthly income must be greater than 0 when income from any source is 'Yes'",
			})
		}
	}

	return errs
}

// DomesticViolenceConditional enforces the collection rules between DV
// history, recency, and currently-fleeing.
func DomesticViolenceConditional(payload datatypes.JSONMap) []domain.FieldError {
	var errs []domain.FieldError

	history := fivePointField(payload, "domesticViolence")
	recency := hmis.DVRecency(stringField(payload, "domesticViolenceRecency"))
	fleeing := fivePointField(payload, "currentlyFleeingDomesticViolence")

	if history == "" {
		return nil
	}

	switch {
	case history.IsYes():
		if !recency.Collected() {
			errs = append(errs, domain.FieldError{
				Field:   "domesticViolenceRecency",
				Message: "recency is required when DV history is 'Yes'",
			})
		}
	default:
		// No history, unknown, or refused: dependent fields must not
		// be collected.
		if recency.Collected() {
			errs = append(errs, domain.FieldError{
				Field:   "domesticViolenceRecency",
				Message: "recency must not be collected without a DV history of 'Yes'",
			})
		}
		if fleeing != "" && fleeing != hmis.DataNotCollected {
			errs = append(errs, domain.FieldError{
				Field:   "currentlyFleeingDomesticViolence",
				Message: "currently fleeing must not be collected without a DV history of 'Yes'",
			})
		}
	}

	return errs
}

// HealthInsuranceConditional forbids a no-insurance reason on covered
// clients.
func HealthInsuranceConditional(payload datatypes.JSONMap) []domain.FieldError {
	covered := fivePointField(payload, "coveredByHealthInsurance")
	reason := stringField(payload, "noInsuranceReason")

	if covered.IsYes() && reason != "" && reason != string(hmis.DataNotCollected) {
		return []domain.FieldError{{
			Field:   "noInsuranceReason",
			Message: "no-insurance reason must not be provided when covered by health insurance",
		}}
	}
	return nil
}

// MoveInPairing requires the residential move-in date and type to be
// populated together.
func MoveInPairing(payload datatypes.JSONMap) []domain.FieldError {
	var errs []domain.FieldError

	dateSet := present(payload, "residentialMoveInDate")
	moveInType := hmis.MoveInType(stringField(payload, "moveInType"))

	if dateSet && !moveInType.Collected() {
		errs = append(errs, domain.FieldError{
			Field:   "moveInType",
			Message: "move-in type is required when a move-in date is provided",
		})
	}
	if moveInType.Collected() && !dateSet {
		errs = append(errs, domain.FieldError{
			Field:   "residentialMoveInDate",
			Message: "move-in date is required when a move-in type is provided",
		})
	}
	return errs
}

// DisabilityConditional forbids a long-term expectation on clients with
// no reported disability.
func DisabilityConditional(payload datatypes.JSONMap) []domain.FieldError {
	has := fivePointField(payload, "hasDisability")
	longTerm := fivePointField(payload, "expectedLongTerm")

	if has.IsNo() && longTerm != "" && longTerm != hmis.DataNotCollected {
		return []domain.FieldError{{
			Field:   "expectedLongTerm",
			Message: "expected long term must not be collected when no disability is reported",
		}}
	}
	return nil
}

// KnownResponses requires each named five-point field to carry a known
// response, the export-eligibility bar for HMIS data quality.
func KnownResponses(fields ...string) Rule {
	return func(payload datatypes.JSONMap) []domain.FieldError {
		var errs []domain.FieldError
		for _, field := range fields {
			if !fivePointField(payload, field).Known() {
				errs = append(errs, domain.FieldError{
					Field:   field,
					Message: fmt.Sprintf("%s must be a known response for HMIS data quality", field),
				})
			}
		}
		return errs
	}
}

// VawaRedaction requires an actual redaction level whenever VAWA
// confidentiality is requested.
func VawaRedaction(payload datatypes.JSONMap) []domain.FieldError {
	if !boolField(payload, "vawaConfidentialityRequested") {
		return nil
	}

	level := hmis.RedactionLevel(stringField(payload, "dvRedactionLevel"))
	if level == "" || level == hmis.NoRedaction {
		return []domain.FieldError{{
			Field:   "dvRedactionLevel",
			Message: "a redaction level is required when VAWA confidentiality is requested",
		}}
	}
	return nil
}

// dataQualityFields are the intake responses that must be known for a
// comprehensive assessment to be export-eligible.
var dataQualityFields = []string{
	"incomeFromAnySource",
	"physicalDisability",
	"developmentalDisability",
	"chronicHealthCondition",
	"hivAids",
	"mentalHealthDisorder",
	"substanceUseDisorder",
	"domesticViolence",
}

// DefaultRegistry binds the stock HUD rule sets for every category.
func DefaultRegistry() *Registry {
	registry := NewRegistry()

	registry.Register(domain.CategoryIntakeAssessment,
		RequireFields("collectionStage"),
		IncomeConsistency,
		DomesticViolenceConditional,
		HealthInsuranceConditional,
		MoveInPairing,
		KnownResponses(dataQualityFields...),
		VawaRedaction,
	)
	registry.Register(domain.CategoryDisability,
		RequireFields("disabilityKind", "hasDisability"),
		DisabilityConditional,
	)
	registry.Register(domain.CategoryDomesticViolence,
		RequireFields("domesticViolence"),
		DomesticViolenceConditional,
		VawaRedaction,
	)
	registry.Register(domain.CategoryIncomeBenefits,
		RequireFields("incomeFromAnySource"),
		IncomeConsistency,
	)
	registry.Register(domain.CategoryHealthInsurance,
		RequireFields("coveredByHealthInsurance"),
		HealthInsuranceConditional,
	)
	registry.Register(domain.CategoryBedNight)
	registry.Register(domain.CategoryEngagementDate)
	registry.Register(domain.CategoryCurrentLivingSituation,
		RequireFields("livingSituation"),
	)

	return registry
}
