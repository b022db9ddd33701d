// Package notify publishes upload lifecycle events to an external channel.
//
// The engine calls Notifier.Emit once per accepted chunk with a started,
// progress, or finished event. Emit is best-effort: uploads without a topic
// skip publishing entirely and publisher failures are logged, never returned.
//
// The default Publisher posts JSON to ntfy through go-retryablehttp; Nop and
// Func cover disabled notifications and tests.
package notify
