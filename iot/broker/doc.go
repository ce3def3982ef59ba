/*Package broker embeds an MQTT broker for development and
single-binary deployments.

The broker enforces exactly the same rules as the external webhooks:
connections authenticate with minted passwords or stored tokens, and
every publish and subscribe is checked against the device's policy.
A configured superuser identity bypasses the topic checks; that is the
connection the protocol manager itself uses.
*/
package broker
