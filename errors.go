package depproxy

import "errors"

// ErrDigestMismatch is returned when uploaded content does not hash to
// its claimed digest. The upload is discarded, never cached.
var ErrDigestMismatch = errors.New("depproxy: digest mismatch")
