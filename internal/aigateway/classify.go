package aigateway

import (
	"github.com/ashita-ai/sapphire/internal/model"
)

const classificationSchemaSrc = `{
  "type": "object",
  "properties": {
    "intent": {"enum": ["sales", "support", "onboarding", "billing", "compliance", "outage", "unknown"]},
    "urgency": {"enum": ["low", "normal", "high", "critical"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "compliance_flag": {"type": "boolean"},
    "recommended_action": {"enum": ["self_service", "create_case", "route_sales", "escalate_ops", "needs_review"]},
    "model_used": {"type": "string"}
  }
}`

var classificationSchema = MustCompileSchema("classification", classificationSchemaSrc)

// classificationWire mirrors the classifier payload. Absent fields take the
// defaults applied in toModel.
type classificationWire struct {
	Intent            *model.Intent            `json:"intent"`
	Urgency           *model.Priority          `json:"urgency"`
	Confidence        *float64                 `json:"confidence"`
	ComplianceFlag    *bool                    `json:"compliance_flag"`
	RecommendedAction *model.RecommendedAction `json:"recommended_action"`
	ModelUsed         *string                  `json:"model_used"`
}

func (w classificationWire) toModel() model.Classification {
	c := model.Classification{
		Intent:            model.IntentUnknown,
		Urgency:           model.PriorityNormal,
		Confidence:        0.5,
		RecommendedAction: model.ActionNeedsReview,
		ModelUsed:         "unknown",
	}
	if w.Intent != nil {
		c.Intent = *w.Intent
	}
	if w.Urgency != nil {
		c.Urgency = *w.Urgency
	}
	if w.Confidence != nil {
		c.Confidence = *w.Confidence
	}
	if w.ComplianceFlag != nil {
		c.ComplianceFlag = *w.ComplianceFlag
	}
	if w.RecommendedAction != nil {
		c.RecommendedAction = *w.RecommendedAction
	}
	if w.ModelUsed != nil && *w.ModelUsed != "" {
		c.ModelUsed = *w.ModelUsed
	}
	return c
}

// DecodeClassification validates a classifier payload and applies defaults
// for absent fields.
func DecodeClassification(raw []byte) (model.Classification, error) {
	var w classificationWire
	if err := classificationSchema.Decode(raw, &w); err != nil {
		return model.Classification{}, err
	}
	return w.toModel(), nil
}
