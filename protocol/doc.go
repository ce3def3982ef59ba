/*Package protocol defines the adapter contract for device-facing
transports and the manager that fans their traffic into the internal
message bus.

Every transport (MQTT, HTTP, WebSocket, UDP, CoAP) is an Adapter: a
reconnect-capable connection with publish/subscribe semantics and a
small lifecycle state machine

	uninitialized -> initializing -> connected <-> disconnected -> shutting-down -> closed

where disconnected adapters retry with bounded exponential backoff.
Errors are reported through the event callbacks and are orthogonal to
the lifecycle state.

The Manager owns one adapter per enabled protocol. Inbound messages
are parsed against the topic scheme, classified by channel, and
republished as standardized envelopes on the internal bus. Outbound
messages address a device by tenant, id and type; the manager builds
the topic and hands the message to the requested adapter.
*/
package protocol
