// Package mailbox is the filesystem fallback transport.
//
// Messages are single JSON files: the controller writes outbox/, consumes
// inbox/. Files are deleted only after successful parse, validation, and
// dispatch, which yields at-least-once delivery across process crashes and
// effectively-once delivery in normal operation. Malformed files are
// logged and left in place. A missing inbox directory is treated as "no
// messages" so the poll loop self-heals when it reappears.
package mailbox
