// Package history persists the modem bridge's message and link-event log in
// SQLite.
//
// Every payload relayed through the modem is recorded with its direction, and
// every Wi-Fi or upstream session transition is recorded as a link event.
// Rows older than the configured retention are removed by Prune.
package history
