// Package identity provides the device identity and its credentials.
//
// The identity lives in a secure element (see SecureElement). The element
// exposes the device id, the ingestion host the device was provisioned
// against, and an HMAC-SHA256 signing operation; the key itself is never
// returned.
//
// IssueToken produces a new, time-bounded token on every call, either a
// shared access signature (the default) or an HS256 JWT signed inside the
// element. Nothing is cached, so a caller that suspects its token was
// rejected simply asks for another.
package identity
