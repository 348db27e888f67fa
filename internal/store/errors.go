package store

import "fmt"

// InvalidGroupError indicates an operation on a group the store has no
// entry for. Surfaced to the caller; it points at a sync-ordering bug.
type InvalidGroupError struct {
	GroupID GroupID
}

func (e *InvalidGroupError) Error() string {
	return fmt.Sprintf("no such group: %s", e.GroupID)
}

// InvalidContactError indicates an operation on an unknown contact.
type InvalidContactError struct {
	UserID UserID
}

func (e *InvalidContactError) Error() string {
	return fmt.Sprintf("no such contact: %d", e.UserID)
}

// InvalidMessageLevelError indicates a conversation operation disallowed
// by the entity's current message or membership level. Distinct from the
// not-found errors so callers can react differently.
type InvalidMessageLevelError struct {
	ConversationID ConversationID
}

func (e *InvalidMessageLevelError) Error() string {
	return fmt.Sprintf("conversation %s is not messaging-eligible", e.ConversationID)
}
