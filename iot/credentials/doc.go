/*Package credentials mints and verifies broker credentials for
devices.

A device that bootstraps successfully receives a broker identity
derived from its tenant and device id, plus a signed password with a
bounded lifetime. The broker-facing webhooks verify the same identity
scheme, so the credentials returned by bootstrap are exactly the ones
the broker accepts.

Identity scheme:

	username = {tenantId}_{deviceId}
	clientId = {tenantId}_{deviceId}_{suffix}
	password = signed token, expires after the configured TTL

Tenant and device ids used as broker identities must not contain an
underscore.

Connection-time authentication alternatively uses an opaque device
token looked up in the token store, with clientId = {tenant}:{device}
and username = deviceId.
*/
package credentials
