package platform

import "errors"

// ErrSessionInvalid reports that the upstream no longer recognises the
// conversation id that was sent. The pipeline reacts by deleting the stored
// mapping and letting the next message open a fresh session.
var ErrSessionInvalid = errors.New("platform session invalid")

// IsSessionInvalid reports whether err carries ErrSessionInvalid.
func IsSessionInvalid(err error) bool {
	return errors.Is(err, ErrSessionInvalid)
}
