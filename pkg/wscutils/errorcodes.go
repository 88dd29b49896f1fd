package wscutils

const (
	ErrcodeUnknown                 = "unknown"
	ERRCODE_INVALID_REQUEST        = "invalid_request"
	ErrcodeInvalidJson             = "invalid_json"
	ErrcodeDatabaseError           = "database_error"
	ErrcodeRequestUserInvalid      = "request_user_invalid"
	ErrcodeMissing                 = "missing"
	ErrcodeTokenMissing            = "token_missing"
	ErrcodeTokenVerificationFailed = "token_verification_failed"
	ErrcodeTokenCacheFailed        = "token_cache_failed"
)
