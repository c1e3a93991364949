// Package kind names the event kinds the bridge interprets and classifies
// kinds into the replaceable and ephemeral ranges.
package kind

import "fmt"

const (
	// Metadata is a user profile: name, about, picture, lightning address.
	Metadata = 0
	// TextNote is a short plain text post.
	TextNote = 1
	// Follows is the contact list of an identity, one p tag per followed key.
	Follows = 3
	// Deletion requests removal of the events named in its e tags.
	Deletion = 5
	Repost   = 6
	Reaction = 7
	// RegistrationRequest is a job request asking the node to register the
	// author as a local user.
	RegistrationRequest = 5951
	// RegistrationResponse is the job result for a RegistrationRequest.
	RegistrationResponse = 6951
	// JobFeedback carries status for a job request, e.g. an error.
	JobFeedback = 7000
	// ZapRequest asks for a lightning payment to be made to a recipient.
	ZapRequest = 9734
	// RelayList names the relays an identity reads from and writes to.
	RelayList = 10002
	// WalletRequest is an encrypted wallet connect command.
	WalletRequest = 23194
	// UserRecord is the admin-signed record marking a pubkey as a registered
	// user of this node. Its d tag is the user's pubkey.
	UserRecord = 30361
)

const (
	ReplaceableStart              = 10000
	ReplaceableEnd                = 20000
	EphemeralStart                = 20000
	EphemeralEnd                  = 30000
	ParameterizedReplaceableStart = 30000
	ParameterizedReplaceableEnd   = 40000
)

var names = map[int]string{
	Metadata:             "Metadata",
	TextNote:             "TextNote",
	Follows:              "Follows",
	Deletion:             "Deletion",
	Repost:               "Repost",
	Reaction:             "Reaction",
	RegistrationRequest:  "RegistrationRequest",
	RegistrationResponse: "RegistrationResponse",
	JobFeedback:          "JobFeedback",
	ZapRequest:           "ZapRequest",
	RelayList:            "RelayList",
	WalletRequest:        "WalletRequest",
	UserRecord:           "UserRecord",
}

// Name returns a readable name for logs.
func Name(k int) string {
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", k)
}

func IsReplaceable(k int) bool {
	return k == Metadata || k == Follows ||
		(k >= ReplaceableStart && k < ReplaceableEnd)
}

func IsEphemeral(k int) bool { return k >= EphemeralStart && k < EphemeralEnd }

func IsParameterizedReplaceable(k int) bool {
	return k >= ParameterizedReplaceableStart &&
		k < ParameterizedReplaceableEnd
}
