package email

import "errors"

var (
	// ErrAuth is returned when the server rejects the credentials
	ErrAuth = errors.New("imap authentication failed")
	// ErrNetwork is returned when the server cannot be reached
	ErrNetwork = errors.New("imap server unreachable")
	// ErrConnectionLost is returned when an established session drops
	ErrConnectionLost = errors.New("imap connection lost")
	// ErrProtocol is returned when the server rejects or fails a command
	ErrProtocol = errors.New("imap protocol error")
)

// IsRecoverable reports whether err can be handled by reconnecting
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrProtocol)
}
