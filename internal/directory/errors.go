package directory

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrDuplicateName indicates a unique name constraint was violated.
	ErrDuplicateName = errors.New("directory: duplicate name")
	// ErrUnknownTarget indicates an edge referenced a kind with no table.
	ErrUnknownTarget = errors.New("directory: unknown target kind")
	// ErrNotFound indicates the referenced user, conference, feed or edge does not exist.
	ErrNotFound = errors.New("directory: not found")
	// ErrProtected indicates the operation would break the "All" conference invariant.
	ErrProtected = errors.New("directory: protected entity")
	// ErrInvalidInput indicates a malformed name, password or identifier.
	ErrInvalidInput = errors.New("directory: invalid input")
	// ErrNotAddressable indicates the sender has no edge to the stream's target.
	ErrNotAddressable = errors.New("directory: target not addressable")

	errMissingDatabase = errors.New("database handle is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "directory.service.new"
	opEnsureInvariants = "directory.ensure_invariants"
	opCreateUser       = "directory.create_user"
	opCreateConference = "directory.create_conference"
	opCreateFeed       = "directory.create_feed"
	opVerifyUser       = "directory.verify_user"
	opVerifyFeed       = "directory.verify_feed"
	opRenameUser       = "directory.rename_user"
	opRenameConference = "directory.rename_conference"
	opRenameFeed       = "directory.rename_feed"
	opSetUserPassword  = "directory.set_user_password"
	opSetFeedPassword  = "directory.set_feed_password"
	opDeleteUser       = "directory.delete_user"
	opDeleteConference = "directory.delete_conference"
	opDeleteFeed       = "directory.delete_feed"
	opGetEntity        = "directory.get"
	opListEntities     = "directory.list"
	opAddMember        = "directory.add_member"
	opRemoveMember     = "directory.remove_member"
	opListMembers      = "directory.list_members"
	opAddTarget        = "directory.add_target"
	opRemoveTarget     = "directory.remove_target"
	opListTargets      = "directory.list_targets"
	opReplaceOrder     = "directory.replace_order"
	opAudience         = "directory.audience"

	reasonMissingDatabase = "missing_database"
	reasonDuplicateName   = "duplicate_name"
	reasonInvalidInput    = "invalid_input"
	reasonUnknownTarget   = "unknown_target"
	reasonNotFound        = "not_found"
	reasonProtected       = "protected"
	reasonNotAddressable  = "not_addressable"
	reasonHashFailed      = "hash_failed"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonAllMissing      = "all_conference_missing"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// classify maps a storage or validation error onto a reason and sentinel cause.
func classify(err error) (string, error) {
	switch {
	case errors.Is(err, ErrDuplicateName):
		return reasonDuplicateName, err
	case errors.Is(err, ErrUnknownTarget):
		return reasonUnknownTarget, err
	case errors.Is(err, ErrNotFound):
		return reasonNotFound, err
	case errors.Is(err, ErrProtected):
		return reasonProtected, err
	case errors.Is(err, ErrInvalidInput):
		return reasonInvalidInput, err
	case errors.Is(err, ErrNotAddressable):
		return reasonNotAddressable, err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return reasonNotFound, fmt.Errorf("%w: %v", ErrNotFound, err)
	case isUniqueViolation(err):
		return reasonDuplicateName, fmt.Errorf("%w: %v", ErrDuplicateName, err)
	default:
		return reasonWriteFailed, err
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
