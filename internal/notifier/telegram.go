package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/amirphl/scalp-trader/internal/utils"
)

type TelegramNotifier struct {
	Token  string
	ChatID string
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{Token: token, ChatID: chatID}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := http.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry retries the send a few times with backoff. Alerts matter
// most exactly when the network is flaky.
func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	delay := time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | Telegram send attempt %d failed: %v", attempt, err)
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// RetryWithNotification runs action and sends an alert when it keeps
// failing.
func (t *TelegramNotifier) RetryWithNotification(action func() error, description string) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = action(); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | %s attempt %d failed: %v", description, attempt, err)
		time.Sleep(time.Second)
	}
	if sendErr := t.SendWithRetry(fmt.Sprintf("%s failed after retries: %v", description, err)); sendErr != nil {
		utils.GetLogger().Printf("Notifier | Failed to report failure of %s: %v", description, sendErr)
	}
	return err
}
