package vpnproto

import "errors"

// ErrProtocol marks a malformed inbound frame. Callers drop the frame and
// increment a dropped-packet counter; they never propagate this error
// further up the stack.
var ErrProtocol = errors.New("vpnproto: malformed frame")
