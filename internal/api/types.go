package api

// Response payloads. Request payloads for orders live in the order
// package (order.Request); scalar parameters arrive as query/form values
// or a one-field JSON body.

type messageResponse struct {
	Message string `json:"message"`
}

type apiKeyResponse struct {
	APIKey string `json:"api_key"`
}

type placeOrderResponse struct {
	OrderID        string `json:"order_id"`
	BoundedOrderID string `json:"bounded_order_id,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}
