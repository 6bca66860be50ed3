package notify

import (
	"context"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/purchases"
)

// FCMClient is the subset of the firebase messaging client used here. Tests
// supply a fake.
type FCMClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// TokenSource supplies the registration tokens of the user's other installs.
type TokenSource interface {
	GetTokens(ctx context.Context) ([]string, error)
	DeleteToken(ctx context.Context, token string) error
}

// FCM pings the user's other installs with a data-only push whenever an
// entitlement changes, so they re-sync against the storefront. It implements
// purchases.Notifier.
type FCM struct {
	log    *zap.Logger
	tokens TokenSource
	client FCMClient
}

func NewFCM(log *zap.Logger, tokens TokenSource, client FCMClient) *FCM {
	return &FCM{
		log:    log,
		tokens: tokens,
		client: client,
	}
}

func (n *FCM) EntitlementChanged(ctx context.Context, productID string, kind purchases.UpdateKind) error {
	tokens, err := n.tokens.GetTokens(ctx)
	if err != nil {
		return err
	}

	// A single MulticastMessage may contain up to 500 registration tokens.
	if len(tokens) > 500 {
		n.log.Warn("Dropping entitlement push, too many tokens", zap.Int("num_tokens", len(tokens)))
		return nil
	}

	if len(tokens) == 0 {
		n.log.Debug("Dropping entitlement push, no tokens")
		return nil
	}

	message := &messaging.MulticastMessage{
		Tokens: tokens,
		Data: map[string]string{
			"product_id": productID,
			"change":     kind.String(),
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
				},
			},
		},
	}

	response, err := n.client.SendEachForMulticast(ctx, message)
	if err != nil {
		return err
	}

	n.log.Debug("Sent entitlement pushes", zap.Int("success", response.SuccessCount), zap.Int("failed", response.FailureCount))
	n.processResponse(response, tokens)

	return nil
}

func (n *FCM) processResponse(response *messaging.BatchResponse, tokens []string) {
	var invalidTokens []string

	for i, resp := range response.Responses {
		if resp == nil || resp.Success {
			continue
		}

		if messaging.IsUnregistered(resp.Error) {
			invalidTokens = append(invalidTokens, tokens[i])
		} else {
			n.log.Warn("Failed to send entitlement push",
				zap.Error(resp.Error),
				zap.String("token", tokens[i]),
			)
		}
	}

	if len(invalidTokens) > 0 {
		go func() {
			ctx := context.Background()
			for _, token := range invalidTokens {
				_ = n.tokens.DeleteToken(ctx, token)
			}
			n.log.Debug("Removed invalid tokens", zap.Int("count", len(invalidTokens)))
		}()
	}
}
