/*Package hook implements the synchronous webhooks the MQTT broker
calls for authentication and authorization.

The ACL webhook answers on every publish and subscribe. It verifies
that client id and username agree on the same tenant and device, that
the topic belongs to that device, and that the device's allow-list
covers the topic. The auth webhook answers at connection time and
verifies the device's password or token.

Both webhooks deny by default: any malformed request, unknown
identity, or internal failure yields {"result":"deny"}. Responses
never carry internal detail beyond a short reason.
*/
package hook
