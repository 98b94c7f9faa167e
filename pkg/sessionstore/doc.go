// Package sessionstore persists the mapping from a conversation key to
// its resumable tool session. Each key owns one JSON record on disk;
// records are written atomically via a temp file and rename so that
// concurrent readers never observe a torn record.
package sessionstore
