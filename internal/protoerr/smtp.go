package protoerr

import "github.com/emersion/go-smtp"

// ToSMTP converts a protoerr.Error (or any error classified via KindOf) into
// a *smtp.SMTPError with the reply code and enhanced status code the
// protocol expects for that Kind. go-smtp/go-smtp's LMTP mode reuses this
// unchanged: LMTP emits one such status line per recipient automatically.
func ToSMTP(err error) *smtp.SMTPError {
	pe, ok := As(err)
	msg := "Internal error"
	kind := Transient
	if ok {
		msg = pe.Message
		kind = pe.Kind
	}

	switch kind {
	case SyntaxError:
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 5, 2}, Message: msg}
	case StateError:
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: msg}
	case AuthRequired:
		return &smtp.SMTPError{Code: 530, EnhancedCode: smtp.EnhancedCode{5, 7, 0}, Message: msg}
	case AuthFailed:
		return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: msg}
	case PolicyReject:
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: msg}
	case NotFound:
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: msg}
	case Transient, IoError, RemoteSMTPError:
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: msg}
	default:
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 0, 0}, Message: msg}
	}
}
