package grpcserver

type Empty struct{}

type BalanceRequest struct {
	UserID string `json:"user_id"`
}

type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

type GrantRequest struct {
	UserID           string `json:"user_id"`
	Type             string `json:"type"`
	Amount           int64  `json:"amount"`
	IdempotencyKey   string `json:"idempotency_key"`
	Description      string `json:"description"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
	PaymentID        string `json:"payment_id"`
}

type ConsumeRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

type ConsumeResponse struct {
	Balance int64 `json:"balance"`
}

type ListTransactionsRequest struct {
	UserID   string `json:"user_id"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Sort     string `json:"sort"`
	Order    string `json:"order"`
	Search   string `json:"search"`
}

type Transaction struct {
	TransactionID              string `json:"transaction_id"`
	Type                       string `json:"type"`
	Amount                     int64  `json:"amount"`
	RemainingAmount            int64  `json:"remaining_amount"`
	Description                string `json:"description"`
	IdempotencyKey             string `json:"idempotency_key"`
	ExpiresAtUnixUTC           int64  `json:"expires_at_unix_utc"`
	ExpirationProcessedUnixUTC int64  `json:"expiration_processed_unix_utc"`
	PaymentID                  string `json:"payment_id"`
	CreatedUnixUTC             int64  `json:"created_unix_utc"`
}

type ListTransactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
	Total        int64         `json:"total"`
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
}

type ExpireCreditsRequest struct {
	UserID string `json:"user_id"`
}

type ExpireCreditsResponse struct {
	ExpiredCredits int64 `json:"expired_credits"`
}
