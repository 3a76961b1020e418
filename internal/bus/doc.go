// Package bus connects the gateway to the publish/subscribe message bus.
//
// Bus is the narrow contract the rest of the gateway needs: a blocking
// Subscribe that delivers every message on a topic until the context ends or
// the connection drops, and Publish. MQTT implements it with the Eclipse
// Paho client; Memory is an in-process bus for local runs and tests.
//
// Publisher sits in front of a Bus for the peer session. Publish() is
// non-blocking: messages go into a bounded channel (oldest evicted when
// full) and Run() drains it, backing off between failed attempts with
// truncated exponential backoff (1s→60s, ±25% jitter).
package bus
