package rudp

import "errors"

// Errors returned synchronously by the API. Network failures are never
// returned here; they surface as Disconnect events from Service.
var (
	ErrInitialization  = errors.New("rudp: not initialized")
	ErrHostsOpen       = errors.New("rudp: hosts still open")
	ErrAddressFormat   = errors.New("rudp: invalid address format, expected ip:port")
	ErrBind            = errors.New("rudp: bind failed")
	ErrCapacity        = errors.New("rudp: capacity exceeded")
	ErrPeerExists      = errors.New("rudp: peer already exists for address")
	ErrNotConnected    = errors.New("rudp: peer not connected")
	ErrChannelRange    = errors.New("rudp: channel out of range")
	ErrSendFailure     = errors.New("rudp: send rejected")
	ErrInvalidArgument = errors.New("rudp: invalid argument")
	ErrHostDestroyed   = errors.New("rudp: host destroyed")
	ErrPayloadDecode   = errors.New("rudp: payload decode failed")
	ErrMalformed       = errors.New("rudp: malformed datagram")
)
