// Package dispatch implements authenticated outbound sends.
//
// A send carries a recipient, a sender id and text, an attachment, or both.
// Attachments are saved through the media relay first so the provider can
// fetch them from the public uploads URL; image/* goes out as an image
// message, anything else as a document with its original filename.
//
// The provider is called exactly once. Only an accepted send is recorded and
// broadcast. A rejected send returns ErrDispatchFailed and removes the
// attachment it stored.
package dispatch
