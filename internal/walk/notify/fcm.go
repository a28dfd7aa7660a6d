package notify

import (
	"context"
	"database/sql"
	"fmt"

	"firebase.google.com/go/messaging"
)

// Logger is the minimal logging surface for notifiers.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// titles maps lifecycle events to what the user actually sees. Payload
// data travels alongside so the mobile client can deep-link into the
// session screen.
var titles = map[string]string{
	"walk_accepted":          "Walk accepted",
	"walk_rejected":          "Walk declined",
	"walk_started":           "Walk started",
	"walk_completed":         "Walk completed",
	"cancellation_requested": "Cancellation requested",
	"cancellation_resolved":  "Cancellation resolved",
	"walk_force_cancelled":   "Walk cancelled by walker",
}

// FCMNotifier delivers lifecycle events as push notifications through
// Firebase Cloud Messaging. A user may carry several device tokens;
// delivery failures to individual tokens are logged and skipped.
type FCMNotifier struct {
	client *messaging.Client
	db     *sql.DB
	logger Logger
}

func NewFCMNotifier(client *messaging.Client, db *sql.DB, logger Logger) *FCMNotifier {
	return &FCMNotifier{client: client, db: db, logger: logger}
}

// Notify pushes the event to every registered device of the user.
// Returns an error only when no token could be resolved at all; partial
// delivery counts as success.
func (n *FCMNotifier) Notify(ctx context.Context, userID int64, event string, payload map[string]string) error {
	tokens, err := n.tokensForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch tokens for user %d: %w", userID, err)
	}
	if len(tokens) == 0 {
		n.logger.Infof("user %d has no push tokens, skipping %s", userID, event)
		return nil
	}

	title, ok := titles[event]
	if !ok {
		title = "Walk update"
	}
	body := payload["body"]
	if body == "" {
		body = title
	}

	data := map[string]string{"event": event}
	for k, v := range payload {
		data[k] = v
	}

	for _, token := range tokens {
		if err := n.send(ctx, token, title, body, data); err != nil {
			n.logger.Errorf("push %s to token %s: %v", event, token, err)
		}
	}
	return nil
}

func (n *FCMNotifier) send(ctx context.Context, token, title, body string, data map[string]string) error {
	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority_channel",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: title,
						Body:  body,
					},
					Sound: "default",
				},
			},
		},
	}

	_, err := n.client.Send(ctx, message)
	return err
}

func (n *FCMNotifier) tokensForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := n.db.QueryContext(ctx,
		`SELECT token FROM walk_push_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// RegisterToken stores a device token for push delivery. Re-registering
// the same token moves it to the new user.
func (n *FCMNotifier) RegisterToken(ctx context.Context, userID int64, token string) error {
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO walk_push_tokens (user_id, token)
		VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id`,
		userID, token)
	return err
}

// DropToken removes a device token, typically on logout.
func (n *FCMNotifier) DropToken(ctx context.Context, token string) error {
	_, err := n.db.ExecContext(ctx,
		`DELETE FROM walk_push_tokens WHERE token = $1`, token)
	return err
}

// LogNotifier writes events to the log instead of pushing. Used when
// Firebase credentials are not configured.
type LogNotifier struct {
	Logger Logger
}

func (n *LogNotifier) Notify(_ context.Context, userID int64, event string, payload map[string]string) error {
	n.Logger.Infof("notify user %d: %s %v", userID, event, payload)
	return nil
}
