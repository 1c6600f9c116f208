package proxsmtp

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/slack"
)

// SlackHook posts a message for every rejected or error verdict. Log events
// are not posted: a chat channel is for outcomes a human should act on, not
// per-message diagnostics.
type SlackHook struct {
	client *slack.Client
}

func (h *SlackHook) Name() string {
	return "slack"
}

func (h *SlackHook) AfterInit() error {
	token := os.Getenv("SLACK_TOKEN")
	if len(token) == 0 {
		return fmt.Errorf("missing SLACK_TOKEN, please set `SLACK_TOKEN`")
	}
	if len(os.Getenv("SLACK_CHANNEL")) == 0 {
		return fmt.Errorf("missing SLACK_CHANNEL, please set `SLACK_CHANNEL`")
	}
	h.client = slack.New(token)
	return nil
}

func (h *SlackHook) AfterLog(*LogEvent) {}

func (h *SlackHook) AfterVerdict(e *VerdictEvent) {
	if e.Status == "FILTERED" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := fmt.Sprintf("`%s` => `%s`: %s (%s)", e.MailFrom, e.MailTo, e.Status, e.Elapsed)
	channel := os.Getenv("SLACK_CHANNEL")

	_, err := h.client.Chat().PostMessage(channel).Username("proxsmtpd").Text(msg).Do(ctx)
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
	}
}
