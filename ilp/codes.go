package ilp

// Standard reject codes. F-codes are final, T-codes are temporary,
// R-codes are relative-timeout failures.
const (
	CodeBadRequest            = "F00"
	CodeInvalidPacket         = "F01"
	CodeUnreachable           = "F02"
	CodeInvalidAmount         = "F03"
	CodeInsufficientDstAmount = "F04"
	CodeWrongCondition        = "F05"
	CodeUnexpectedPayment     = "F06"
	CodeCannotReceive         = "F07"
	CodeAmountTooLarge        = "F08"
	CodeApplicationError      = "F99"

	CodeInternalError         = "T00"
	CodePeerUnreachable       = "T01"
	CodePeerBusy              = "T02"
	CodeConnectorBusy         = "T03"
	CodeInsufficientLiquidity = "T04"
	CodeRateLimited           = "T05"

	CodeTransferTimedOut = "R00"
)
