// Package messaging orchestrates the message operations of a conversation.
//
// # Overview
//
// [Service] ties the conversation rules, the message codec, the durable
// store and the notification fanout together. Each operation follows the
// same shape:
//
//	check membership and permissions
//	encode or validate outside the transaction
//	write inside one storage transaction
//	publish events after commit
//
// Events never influence the outcome of the write they announce. A user
// with no live session misses the event and catches up with [Service.History].
//
// # Encryption
//
// Direct conversations are encrypted under a fresh key per message that is
// wrapped for both parties. Group and broadcast conversations are encrypted
// under the shared conversation key, which the sender unwraps on their own
// device and passes in [SendRequest.ConversationKey]. The service checks it
// against the conversation fingerprint and never stores it.
//
// # Deletion and receipts
//
// Deletion is soft: the stored envelope is kept and only the deleted flag
// changes. Marking a message read also marks every earlier visible message
// of the conversation that the reader did not send, so receipts never regress.
//
// # Usage
//
//	svc := messaging.NewService(store, codec, publisher)
//
//	msg, err := svc.Send(ctx, messaging.SendRequest{
//	    ConversationID: convID,
//	    SenderID:       "alice",
//	    Content:        []byte("hello"),
//	})
//	if err != nil {
//	    return err
//	}
//
//	page, err := svc.History(ctx, messaging.HistoryRequest{
//	    ConversationID: convID,
//	    RequesterID:    "bob",
//	    Limit:          50,
//	})
package messaging
