package smtpengine

import "github.com/posthorn/posthorn/internal/smtpresponse"

// Static response values. These are the only process-wide state the engine
// keeps; being immutable values they need no lifecycle management.
var (
	goodbye             = smtpresponse.Fixed(221, "Goodbye")
	badSequenceCommands = smtpresponse.Fixed(503, "Bad sequence of commands")
	badHello            = smtpresponse.Fixed(503, "HELO/EHLO first, with EHLO if you intend to authenticate")
	verifyResponse      = smtpresponse.Fixed(252, "Cannot VRFY user, but will accept message and attempt delivery")
	startData           = smtpresponse.Fixed(354, "Start mail input; end with <CRLF>.<CRLF>")
	transactionFailed   = smtpresponse.Fixed(554, "Transaction failed")
	invalidState        = smtpresponse.Fixed(500, "Invalid internal state")
	ok                  = smtpresponse.Fixed(250, "Ok")
	emptyResponse       = smtpresponse.Empty()
)

func startTLS() smtpresponse.Response {
	return smtpresponse.StartTLS("Ready to start TLS")
}

func heloResponse(res HeloResult, domain string) smtpresponse.Response {
	switch res {
	case HeloOk:
		return smtpresponse.Fixed(250, domain)
	case HeloBlockedIP:
		return smtpresponse.Fixed(550, "Your address is blocked")
	default:
		return smtpresponse.Fixed(503, "Invalid HELO/EHLO")
	}
}

func mailResponse(res MailResult) smtpresponse.Response {
	switch res {
	case MailOk:
		return ok
	case MailAuthRequired:
		return smtpresponse.Fixed(530, "Authentication required")
	case MailOutOfSpace:
		return smtpresponse.Fixed(452, "Out of storage space")
	case MailNoStorage:
		return smtpresponse.Fixed(550, "No such user here")
	case MailNoService:
		return smtpresponse.Fixed(421, "Service not available, closing transmission channel")
	default:
		return smtpresponse.Fixed(451, "Internal error, try again later")
	}
}

func rcptResponse(res RcptResult) smtpresponse.Response {
	switch res {
	case RcptOk:
		return ok
	case RcptNoMailbox, RcptBadMailbox:
		return smtpresponse.Fixed(550, "No such user here")
	case RcptOutOfSpace:
		return smtpresponse.Fixed(452, "Out of storage space")
	case RcptNoStorage:
		return smtpresponse.Fixed(550, "No such user here")
	case RcptNoService:
		return smtpresponse.Fixed(421, "Service not available, closing transmission channel")
	default:
		return smtpresponse.Fixed(451, "Internal error, try again later")
	}
}

func dataOpenResponse(res DataResult) smtpresponse.Response {
	switch res {
	case DataOk:
		return startData
	case DataTransactionFailed:
		return transactionFailed
	case DataNoService:
		return smtpresponse.Fixed(421, "Service not available, closing transmission channel")
	default:
		return smtpresponse.Fixed(451, "Internal error, try again later")
	}
}

func authResponse(res AuthResult, okCode int, okMsg string) smtpresponse.Response {
	switch res {
	case AuthOk:
		return smtpresponse.Fixed(okCode, okMsg)
	case AuthTemporaryFailure:
		return smtpresponse.Fixed(454, "Temporary authentication failure")
	default:
		return smtpresponse.Fixed(535, "Authentication credentials invalid")
	}
}
