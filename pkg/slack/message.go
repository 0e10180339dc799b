package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/conclave-ai/conclave/pkg/models"
)

const maxBlockTextLength = 2900

var levelEmoji = map[string]string{
	"warning":  ":warning:",
	"critical": ":rotating_light:",
}

var levelLabel = map[string]string{
	"warning":  "Budget Warning",
	"critical": "Budget Critical",
}

// BuildAlertMessage creates Block Kit blocks for a cost alert.
func BuildAlertMessage(alert models.CostAlert, dashboardURL string) []goslack.Block {
	emoji := levelEmoji[alert.Level]
	if emoji == "" {
		emoji = ":question:"
	}
	label := levelLabel[alert.Level]
	if label == "" {
		label = "Budget " + alert.Level
	}

	headerText := fmt.Sprintf("%s *%s* (%s)", emoji, label, alert.Scope)
	if alert.Message != "" {
		headerText += "\n" + truncateForSlack(alert.Message)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	if alert.Limit > 0 {
		usage := fmt.Sprintf("Spend: *$%.2f* of *$%.2f* (%.0f%%)",
			alert.Value, alert.Limit, alert.Value/alert.Limit*100)
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, usage, false, false),
			nil, nil,
		))
	}

	if dashboardURL != "" {
		btn := goslack.NewButtonBlockElement("", "",
			goslack.NewTextBlockObject(goslack.PlainTextType, "View Cost Dashboard", false, false))
		btn.URL = dashboardURL + "/costs"
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated — view details in dashboard)_"
}
