// Package hmis defines the closed response vocabularies shared by HUD
// program-specific data elements. Textual descriptions and full HUD code
// lists live in the reporting layer; the lifecycle engine only needs the
// response identifiers and their data-quality semantics.
package hmis

// FivePoint is the standard HUD five-value response scale.
type FivePoint string

const (
	No               FivePoint = "NO"
	Yes              FivePoint = "YES"
	ClientDoesntKnow FivePoint = "CLIENT_DOESNT_KNOW"
	ClientRefused    FivePoint = "CLIENT_REFUSED"
	DataNotCollected FivePoint = "DATA_NOT_COLLECTED"
)

// Known reports whether the response counts as collected for data-quality
// purposes. Refusals and "doesn't know" are recorded but not known.
func (r FivePoint) Known() bool {
	return r == Yes || r == No
}

func (r FivePoint) IsYes() bool {
	return r == Yes
}

func (r FivePoint) IsNo() bool {
	return r == No
}

// DVRecency identifies when domestic violence was most recently experienced.
type DVRecency string

const (
	RecencyWithinPast3Months DVRecency = "WITHIN_PAST_3_MONTHS"
	RecencyThreeToSixMonths  DVRecency = "THREE_TO_SIX_MONTHS"
	RecencySixToTwelveMonths DVRecency = "SIX_TO_TWELVE_MONTHS"
	RecencyMoreThanYear      DVRecency = "MORE_THAN_A_YEAR"
	RecencyNotCollected      DVRecency = "DATA_NOT_COLLECTED"
)

// Collected reports whether a recency response was actually captured.
func (r DVRecency) Collected() bool {
	return r != "" && r != RecencyNotCollected
}

// RedactionLevel controls VAWA-driven masking of DV-related fields.
type RedactionLevel string

const (
	NoRedaction      RedactionLevel = "NO_REDACTION"
	PartialRedaction RedactionLevel = "PARTIAL_REDACTION"
	FullRedaction    RedactionLevel = "FULL_REDACTION"
)

// MoveInType qualifies a residential move-in date.
type MoveInType string

const (
	MoveInPermanent    MoveInType = "PERMANENT"
	MoveInTemporary    MoveInType = "TEMPORARY"
	MoveInNotCollected MoveInType = "DATA_NOT_COLLECTED"
)

// Collected reports whether a move-in type was actually captured.
func (t MoveInType) Collected() bool {
	return t != "" && t != MoveInNotCollected
}
