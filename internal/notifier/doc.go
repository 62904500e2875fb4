// Package notifier delivers operator-facing messages about the study engine.
//
// Notifications are small, high-signal messages (a course that failed for
// good, a finished study plan, the daily report). Each carries a priority,
// a target chat (optionally with a thread/topic), and send options such as
// "disable link preview".
//
// # Pipeline
//
// Notify enqueues onto a bounded queue drained by a small worker pool with
// rate limiting, retries and a dedup window, so a flapping course cannot
// flood the chat. Delivery goes through a kit.Sender implementation (the
// Telegram sender in this repo); message formatting stays here, transport
// policy stays in the sender.
//
// # Event bridge
//
// When constructed with an event bus, the service also consumes engine
// events ("job.failed" with the final flag set, "plan.completed",
// "report.daily") and turns them into notifications on its own, so the
// engine never has to know that Telegram exists.
//
// # History
//
// For debugging and operator visibility, the service keeps a small
// in-memory history of recently sent notifications.
package notifier
