/*Package iot provides the device bootstrap policy engine.

It computes, for any device that introduces itself with a bootstrap
request, the complete set of topics the device may use, the QoS/retain
policy per topic, the publish/subscribe/deny ACL and an OTA upgrade
decision. The same policy computation backs the client-facing bootstrap
endpoint and the broker-facing authorization webhooks, so a device can
never be granted a topic on bootstrap that the broker would later
refuse, or vice versa.

The package itself only holds the shared data model and the interfaces
to external collaborators (token store, upgrade history). The engine
lives in the subpackages topic, capability, policy, ota, credentials,
bootstrap, hook, shadow and broker.
*/
package iot
