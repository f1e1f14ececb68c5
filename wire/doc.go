// Package wire implements the JSON frame envelope carried over both
// transports (spec.md §6): every frame is a JSON object with at least a
// "type" field, DHT frames additionally carry "from" and "timestamp", and
// requests/responses correlate via "requestId".
package wire
