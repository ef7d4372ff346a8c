package order

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"paygate/payment/db"
)

// Notifier tells the merchant's callback URL that an order was paid.
type Notifier struct {
	client *http.Client
	logger *zap.Logger
}

func NewNotifier(client *http.Client, logger *zap.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{client: client, logger: logger.Named("callback")}
}

// Notify calls GET <callback>?order_no=<no>&status=<status>. Orders without a callback are skipped.
func (n *Notifier) Notify(ctx context.Context, order *db.Order) error {
	if n == nil || order.Callback == "" {
		return nil
	}
	u, err := url.Parse(order.Callback)
	if err != nil {
		return fmt.Errorf("parse callback url: %w", err)
	}
	q := u.Query()
	q.Set("order_no", order.OrderNo)
	q.Set("status", string(order.Status))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("call callback url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback url returned %s", resp.Status)
	}
	n.logger.Info("callback delivered", zap.String("order_no", order.OrderNo), zap.String("status", string(order.Status)))
	return nil
}
