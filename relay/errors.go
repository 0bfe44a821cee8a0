package relay

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	ConnectionError = iota

	ConnectionRefusedError

	DisconnectedError

	NotConnectedError

	InvalidURIError

	EncodeError

	DecodeError

	SubscriptionError

	UnknownError
)

func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case ConnectionError:
		errorName = "ConnectionError"
	case ConnectionRefusedError:
		errorName = "ConnectionRefusedError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case NotConnectedError:
		errorName = "NotConnectedError"
	case InvalidURIError:
		errorName = "InvalidURIError"
	case EncodeError:
		errorName = "EncodeError"
	case DecodeError:
		errorName = "DecodeError"
	case SubscriptionError:
		errorName = "SubscriptionError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}

// isNotConnected reports whether err is the benign "close of an already
// closed connection" case that Close and promotion swallow.
func isNotConnected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return true
	}
	text := err.Error()
	return strings.Contains(text, "NotConnectedError") ||
		strings.Contains(text, "use of closed network connection")
}
