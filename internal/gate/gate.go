// Package gate maps raw classifier confidence to a safety tier and
// recommendation text. This is the single safety-critical policy in the
// pipeline; it is deliberately pure and independent of the inference code
// so thresholds and wording can change without touching the model.
package gate

import "fmt"

// Safety thresholds in confidence percent.
const (
	InconclusiveThreshold = 60.0
	HighThreshold         = 80.0
)

// InconclusiveLabel is the sentinel label reported when confidence is
// below the lowest safety threshold.
const InconclusiveLabel = "Inconclusive"

const (
	uncertaintyBanner = "NOTE: This prediction carries moderate uncertainty. Treat it as a preliminary indication only. "
	disclaimer        = " This is an AI-generated assessment, not a medical diagnosis. Always consult a qualified dermatologist."

	inconclusiveAdvice = "The analysis could not reach sufficient confidence for a reliable assessment. Please retake the photos in good lighting, or see a healthcare professional."
	genericAdvice      = "Consult a healthcare professional for an accurate assessment of this condition."
)

// adviceByDisease holds the static per-condition recommendation text.
var adviceByDisease = map[string]string{
	"Acne":             "Keep the affected area clean and avoid picking at lesions. Over-the-counter benzoyl peroxide or salicylic acid may help; see a dermatologist if it persists.",
	"Eczema":           "Moisturize regularly and avoid known irritants such as harsh soaps. A dermatologist can prescribe topical treatment if flare-ups continue.",
	"Melanoma":         "Seek an urgent appointment with a dermatologist. Early professional evaluation of suspected melanoma is critical.",
	"Psoriasis":        "Keep skin moisturized and avoid triggers such as stress and skin injury. A dermatologist can advise on topical or systemic treatment.",
	"Rosacea":          "Avoid common triggers such as sun exposure, alcohol, and spicy food. A dermatologist can recommend suitable topical therapy.",
	"Fungal Infection": "Keep the area clean and dry. Over-the-counter antifungal creams often help; consult a doctor if the infection spreads or persists.",
	"Vitiligo":         "Protect depigmented areas from sun exposure. A dermatologist can discuss repigmentation options and monitoring.",
	"Warts":            "Avoid scratching or shaving over the area to prevent spread. Over-the-counter treatments exist; a doctor can remove persistent warts.",
}

// Decision is the gated outcome for a single prediction.
type Decision struct {
	Label          string
	IsInconclusive bool
	Recommendation string
}

// Apply converts a disease label and confidence percent into a tiered,
// medically conservative recommendation.
//
// confidence < 60: the label is overridden to "Inconclusive" and the
// disease-specific advice is suppressed. 60 <= confidence < 80: label kept,
// uncertainty banner prepended. confidence >= 80: label kept, no banner.
// Every tier carries the fixed non-diagnostic disclaimer.
func Apply(disease string, confidence float64) Decision {
	if confidence < InconclusiveThreshold {
		return Decision{
			Label:          InconclusiveLabel,
			IsInconclusive: true,
			Recommendation: inconclusiveAdvice + disclaimer,
		}
	}

	advice, ok := adviceByDisease[disease]
	if !ok {
		advice = genericAdvice
	} else {
		advice = fmt.Sprintf("Detected %s. %s", disease, advice)
	}

	if confidence < HighThreshold {
		return Decision{
			Label:          disease,
			Recommendation: uncertaintyBanner + advice + disclaimer,
		}
	}
	return Decision{
		Label:          disease,
		Recommendation: advice + disclaimer,
	}
}

// HasUncertaintyBanner reports whether a recommendation carries the
// moderate-confidence banner.
func HasUncertaintyBanner(recommendation string) bool {
	return len(recommendation) >= len(uncertaintyBanner) && recommendation[:len(uncertaintyBanner)] == uncertaintyBanner
}
