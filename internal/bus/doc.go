// Package bus implements the in-process publish/subscribe event bus.
//
// The bus:
//   - Accepts typed StreamEvents through a bounded queue (publish fails fast
//     when the queue is full rather than blocking the publisher)
//   - Dispatches to filtered subscriptions in priority order, isolating
//     handler failures from one another
//   - Retains a bounded ring of recent events for diagnostics
package bus
