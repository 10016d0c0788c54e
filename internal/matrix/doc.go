// Package matrix is an optional second frontend backed by a Matrix account.
//
// Text, audio and image room messages become inbound events keyed by the
// sender's Matrix user id; replies go back to the originating room. Events
// older than the frontend's start time are ignored so the initial sync does
// not replay history. With typing enabled, the typing notification is set when
// an event is handed to the sink and cleared when the sink reports it done,
// including for events that are dropped without a reply. End-to-end encrypted rooms are not supported.
package matrix
