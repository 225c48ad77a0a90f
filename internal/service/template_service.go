// internal/service/template_service.go
package service

import (
	"fmt"
	"strings"

	"github.com/unclebandit/voicecampaign-backend/internal/model"
)

// ScriptContextProvider builds the per-recipient payload forwarded to the
// vendor. The scheduler never inspects the result.
type ScriptContextProvider interface {
	Build(campaign *model.Campaign, call *model.CampaignCall) model.Payload
}

// RenderTemplate replaces every {key} in template with data[key].
func RenderTemplate(template string, data map[string]string) string {
	if len(data) == 0 {
		return template
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// TemplateScriptContext renders the campaign script with the recipient's
// name and context values. Missing placeholders are left as written.
type TemplateScriptContext struct{}

func (TemplateScriptContext) Build(campaign *model.Campaign, call *model.CampaignCall) model.Payload {
	data := map[string]string{}
	for k, v := range call.Context {
		switch val := v.(type) {
		case nil:
		case string:
			data[k] = val
		case float64:
			data[k] = strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", val), "0"), ".")
		default:
			data[k] = fmt.Sprint(val)
		}
	}
	if call.RecipientName != "" {
		data["name"] = call.RecipientName
	}

	recipient := model.Payload{"name": call.RecipientName, "phone": call.Phone}
	for k, v := range call.Context {
		if _, taken := recipient[k]; !taken {
			recipient[k] = v
		}
	}

	return model.Payload{
		"first_message": RenderTemplate(campaign.ScriptContext, data),
		"recipient":     recipient,
	}
}
