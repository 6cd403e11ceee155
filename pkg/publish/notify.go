package publish

import (
	"context"

	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/types"
	"github.com/rs/zerolog"
)

// Notifier announces newly published builds
type Notifier interface {
	Tweet(ctx context.Context, account *types.TwitterAccount, message string) error
	SendEmail(ctx context.Context, campaign *types.Campaign, message string) error
}

// LogNotifier records announcements in the operational log only
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("notify")}
}

// Tweet logs the tweet
func (l *LogNotifier) Tweet(_ context.Context, account *types.TwitterAccount, message string) error {
	var key string
	if account != nil {
		key = account.ConsumerKey
	}
	l.logger.Info().Str("consumer_key", key).Str("message", message).Msg("Tweet")
	return nil
}

// SendEmail logs the email
func (l *LogNotifier) SendEmail(_ context.Context, campaign *types.Campaign, message string) error {
	l.logger.Info().Str("email", campaign.EmailAddress()).Str("message", message).Msg("Email")
	return nil
}
