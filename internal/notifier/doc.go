// Package notifier delivers operator messages about batches: a summary when
// a batch completes and, optionally, an alert for every task that exhausted
// its attempts.
//
// Messages go through a bounded queue, a single supervised sender (so they
// arrive in order), a token-bucket rate limit and a small retry loop.
// Delivery itself is behind the Sender interface; TelegramSender is the
// production implementation.
package notifier
