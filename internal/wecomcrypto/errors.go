package wecomcrypto

import "fmt"

// Subcode identifies the specific crypto failure. The callback handler maps
// every subcode to the same outcome (drop the event), but logs the subcode.
type Subcode string

const (
	SignatureMismatch Subcode = "signature_mismatch"
	DecryptFailed     Subcode = "decrypt_failed"
	InvalidRecipient  Subcode = "invalid_recipient"
	BadKeyLength      Subcode = "bad_key_length"
	EncryptFailed     Subcode = "encrypt_failed"
)

// Error is the single error type raised by the codec.
type Error struct {
	Subcode Subcode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("wecomcrypto: %s: %s", e.Subcode, e.Message)
}

func newError(sub Subcode, msg string) *Error {
	return &Error{Subcode: sub, Message: msg}
}
