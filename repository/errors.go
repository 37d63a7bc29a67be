package repository

import "errors"

// Sentinel errors surfaced to callers per spec.md §7's error taxonomy.
// AlreadyExists is deliberately absent: write_blob and write_tag
// downgrade it to success before it ever reaches a caller.
var (
	ErrStoreMissing         = errors.New("repository: store object missing")
	ErrStoreAccessDenied    = errors.New("repository: store access denied")
	ErrTruncated            = errors.New("repository: truncated blob")
	ErrAuthenticationFailed = errors.New("repository: authentication failed")
	ErrUnexpectedVersion    = errors.New("repository: unexpected blob version")
	ErrMalformedBlob        = errors.New("repository: malformed blob")
	ErrHashMismatch         = errors.New("repository: hash mismatch")
	ErrChunkSizeMismatch    = errors.New("repository: chunk size mismatch")
	ErrUnsafeName           = errors.New("repository: unsafe entry name")
	ErrCacheInconsistent    = errors.New("repository: stat/blob cache inconsistent")
	ErrNotARepository       = errors.New("repository: store holds no rekkord config blob")
	ErrAlreadyInitialized   = errors.New("repository: store is not empty")
	ErrBadTagSignature      = errors.New("repository: tag signature invalid")
)
