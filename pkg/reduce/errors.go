package reduce

import "errors"

// The failure taxonomy. Per-aperture and per-frame problems are
// recorded in the log and never terminate a run; only configuration
// and I/O failures do.
var(
	// ErrConfiguration marks an invalid or missing option, or a
	// malformed aperture artifact. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrNonDetection: a locate failed to converge or fell below the
	// height threshold. Recoverable, per-aperture.
	ErrNonDetection = errors.New("non-detection")

	// ErrReferenceInconsistency: reference shifts disagree beyond
	// fit_diff. Recoverable; freezes the whole frame.
	ErrReferenceInconsistency = errors.New("reference shifts inconsistent")
)
