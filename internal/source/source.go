package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/statement-extractor/internal/model"
)

// ErrNotFound reports that a message or part no longer exists on the
// server. It is an expected outcome, not a failure of the session.
var ErrNotFound = errors.New("not found")

// AuthError indicates that the mail server rejected the credentials.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ConnectionError indicates a network, TLS or session-level failure. The
// session that produced it is no longer usable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err (or any error in its chain) is a
// ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// Mailbox is the contract the discovery and extraction pipeline needs from
// a mail session. Implementations serialize all calls on one session.
type Mailbox interface {
	// EnsureConnected verifies the session with a no-op round trip and
	// reconnects with cached credentials if it has dropped.
	EnsureConnected(ctx context.Context) error

	// SearchBySubject returns the UIDs of messages whose subject contains
	// term, ascending. No match is not an error.
	SearchBySubject(ctx context.Context, term string) ([]uint32, error)

	// SearchByFromAndSubject returns the UIDs of messages from the given
	// address whose subject contains term, ascending. A zero since means
	// no date bound.
	SearchByFromAndSubject(
		ctx context.Context, from, term string, since time.Time,
	) ([]uint32, error)

	// FetchEnvelopeAndStructure fetches envelope and MIME structure for
	// the given UIDs without bodies. UIDs that no longer exist are
	// skipped.
	FetchEnvelopeAndStructure(
		ctx context.Context, uids []uint32,
	) ([]model.EmailMessage, error)

	// FetchFull fetches envelope, structure and body text for one UID.
	FetchFull(ctx context.Context, uid uint32) (*model.EmailMessage, error)

	// FetchRaw returns the full RFC 5322 bytes of one message.
	FetchRaw(ctx context.Context, uid uint32) ([]byte, error)
}
