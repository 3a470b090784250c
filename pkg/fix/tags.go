package fix

// SOH separates tag=value pairs.
const SOH byte = 0x01

// Tags used by the gateway.
const (
	TagBeginSeqNo        = 7
	TagBeginString       = 8
	TagBodyLength        = 9
	TagCheckSum          = 10
	TagClOrdID           = 11
	TagCumQty            = 14
	TagEndSeqNo          = 16
	TagExecID            = 17
	TagMsgSeqNum         = 34
	TagMsgType           = 35
	TagOrderQty          = 38
	TagOrdStatus         = 39
	TagOrdType           = 40
	TagOrigClOrdID       = 41
	TagPossDupFlag       = 43
	TagPrice             = 44
	TagRefSeqNum         = 45
	TagSenderCompID      = 49
	TagSendingTime       = 52
	TagSide              = 54
	TagSymbol            = 55
	TagTargetCompID      = 56
	TagText              = 58
	TagTimeInForce       = 59
	TagEncryptMethod     = 98
	TagCxlRejReason      = 102
	TagOrdRejReason      = 103
	TagHeartBtInt        = 108
	TagTestReqID         = 112
	TagExecType          = 150
	TagLeavesQty         = 151
	TagRefMsgType        = 372
	TagSessionRejectCode = 373
	TagCxlRejResponseTo  = 434
	TagUsername          = 553
	TagPassword          = 554
	TagOrderID           = 37
)

// MsgType values.
const (
	MsgTypeHeartbeat          = "0"
	MsgTypeTestRequest        = "1"
	MsgTypeResendRequest      = "2"
	MsgTypeReject             = "3"
	MsgTypeLogout             = "5"
	MsgTypeExecutionReport    = "8"
	MsgTypeOrderCancelReject  = "9"
	MsgTypeLogon              = "A"
	MsgTypeNewOrderSingle     = "D"
	MsgTypeOrderCancelRequest = "F"
)

// ExecType / OrdStatus values used in execution reports.
const (
	ExecNew      = "0"
	ExecCanceled = "4"
	ExecRejected = "8"
	ExecTrade    = "F"

	StatusNew             = "0"
	StatusPartiallyFilled = "1"
	StatusFilled          = "2"
	StatusCanceled        = "4"
	StatusRejected        = "8"
)

// SessionRejectReason (373) values.
const (
	RejectRequiredTagMissing = 1
	RejectValueIncorrect     = 5
	RejectInvalidMsgType     = 11
	RejectOther              = 99
)

// SendingTimeLayout is the UTC timestamp layout for tag 52.
const SendingTimeLayout = "20060102-15:04:05.000"
