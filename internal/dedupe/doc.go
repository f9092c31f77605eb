// Package dedupe provides a time-bounded, size-limited keyed cache.
//
// The gateway uses it twice. A client that resends message.send with the
// same clientMsgId inside the retry window gets back the message stored the
// first time instead of a second copy. The REST rate limiter keeps one token
// bucket per user and lets buckets of idle users expire. Entries expire after
// the TTL and the oldest entry is evicted when the cache is full, so the
// retry guarantee only holds for prompt retries.
package dedupe
