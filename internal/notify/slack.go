package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackClient abstracts the one slack.Client call SlackNotifier needs, so
// tests can substitute a fake without a live token.
type SlackClient interface {
	PostMessage(channelID, text string) error
}

// slackClientAdapter wraps a real slack.Client to satisfy SlackClient.
type slackClientAdapter struct {
	client *slack.Client
}

func (a slackClientAdapter) PostMessage(channelID, text string) error {
	_, _, err := a.client.PostMessage(channelID, slack.MsgOptionText(text, false))
	return err
}

// SlackNotifier posts design-escalation and project-complete events to one
// channel. Grounded on the teacher's manager.go notifySlack method, pared
// down to the two event kinds SPEC_FULL.md needs and a single provider.
type SlackNotifier struct {
	Client    SlackClient
	ChannelID string
}

// NewSlackNotifier builds a SlackNotifier from a bot token and channel ID.
func NewSlackNotifier(botToken, channelID string) *SlackNotifier {
	return &SlackNotifier{
		Client:    slackClientAdapter{client: slack.New(botToken)},
		ChannelID: channelID,
	}
}

func (s *SlackNotifier) NotifyDesignEscalation(ctx context.Context, e DesignEscalation) error {
	text := fmt.Sprintf(":warning: *%s* needs a design decision\ntask: %s (level %d)\ncategory: %s\n%s",
		e.Feature, e.TaskID, e.Level, e.Category, e.Reason)
	return s.post(ctx, text)
}

func (s *SlackNotifier) NotifyProjectComplete(ctx context.Context, e ProjectComplete) error {
	status := ":white_check_mark: succeeded"
	if !e.Success {
		status = ":x: failed"
	}
	text := fmt.Sprintf("*%s* %s\ntasks: %d (failed: %d)\nduration: %dm\nrisk grade: %s",
		e.Feature, status, e.TotalTasks, e.FailedTasks, e.DurationMinutes, e.RiskGrade)
	return s.post(ctx, text)
}

func (s *SlackNotifier) post(ctx context.Context, text string) error {
	if s.ChannelID == "" {
		return fmt.Errorf("slack channel is not configured")
	}
	return s.Client.PostMessage(s.ChannelID, text)
}
