package blobcodec

import "errors"

// Error kinds from spec.md §7 that originate in the codec.
var (
	ErrTruncatedBlob        = errors.New("blobcodec: truncated blob, no TAG_FINAL segment seen")
	ErrAuthenticationFailed = errors.New("blobcodec: authentication failed")
	ErrUnexpectedVersion    = errors.New("blobcodec: unexpected blob intro version")
	ErrMalformedBlob        = errors.New("blobcodec: malformed blob")
)
