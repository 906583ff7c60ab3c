// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs fire-and-forget work such as usage tracking with panic
// recovery and a timeout. Batch fans a slice out over a bounded number of
// workers and collects every error, which the cancellation sweeper uses to
// expire due subscriptions.
package async
