package credits

const (
	operationCredit      = "credit"
	operationDebit       = "debit"
	operationPlaceHold   = "place_hold"
	operationConsumeHold = "consume_hold"
	operationReleaseHold = "release_hold"
	operationExpireHold  = "expire_hold"

	operationStatusOK     = "ok"
	operationStatusError  = "error"
	operationStatusReplay = "replay"
	operationStatusNoop   = "noop"

	idempotencyKeyDelimiter   = ":"
	idempotencyPrefixExpire   = "expire"
	idempotencyPrefixExternal = "grant"
)
