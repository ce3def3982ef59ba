/*Package ota decides whether a bootstrapping device is offered a
firmware upgrade, and which one.

The decision is computed fresh on every bootstrap call. It depends on
the device's current firmware and channel, the tenant's channel policy,
the release catalog, and the per-device upgrade throttle. Decisions are
never cached.

Release artifacts live behind the artifact driver; the catalog only
stores object keys and the driver turns them into short-lived download
URLs.
*/
package ota
