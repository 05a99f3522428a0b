package errors

var (
	ErrUserNotFound       = NotFound("user not found")
	ErrRecipientNotFound  = NotFound("recipient not found")
	ErrGroupNotFound      = NotFound("group not found")
	ErrMembershipNotFound = NotFound("user is not a member of this group")
	// A message that exists but belongs to someone else reports the
	// same way as a missing one, so callers cannot probe for ids.
	ErrMessageNotFound      = NotFound("message not found")
	ErrConversationNotFound = NotFound("conversation not found")

	ErrEmptyContent   = InvalidArg("message content cannot be empty")
	ErrContentTooLong = InvalidArg("message content exceeds the 4000 character limit")
	ErrGroupNameEmpty = InvalidArg("group name cannot be empty")

	ErrNotGroupMember = Forbidden("not an active member of this group")
	ErrNotGroupAdmin  = Forbidden("only the group admin can manage members")
	ErrAlreadyMember  = AlreadyExists("user is already a member of this group")
	ErrAdminLeave     = FailedPrecondition("group admin cannot be removed from the group")

	ErrEmailTaken         = AlreadyExists("email or username already in use")
	ErrInvalidCredentials = Unauthorized("invalid email or password")
	ErrNotAuthenticated   = Unauthorized("connection is not authenticated")

	ErrDecryptionFailed = New(CodeDecryptionFailed, "unable to decrypt message")
)
