package paypal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// CaptureOrder captures an approved checkout order
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order id is required")
	}
	var out Order
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{}, &out); err != nil {
		return nil, err
	}
	if out.Status != "COMPLETED" {
		return &out, fmt.Errorf("order %s not completed: %s", orderID, out.Status)
	}
	return &out, nil
}
