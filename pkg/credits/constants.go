package credits

const (
	operationGrant     = "grant"
	operationConsume   = "consume"
	operationExpire    = "expire"
	operationReconcile = "reconcile"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter = ":"
	idempotencyPrefixExpire = "expire"

	defaultPageSize = 20
	maxPageSize     = 100
	maxPage         = 1_000_000
)
