/*Package policy derives the per-device topic policy: the QoS/retain
rule for each canonical topic and the publish/subscribe/deny ACL.

Policy resolution is a pure computation over a validated bootstrap
request and an immutable table snapshot. Resolvers are created per
(tenant, device type) and held by the Registry; they carry no per-device
state, so a single resolver serves any number of concurrent requests
without locking.

Authorization is deny by default: a topic that does not parse, that
belongs to a different tenant or device, or whose action is unknown is
never allowed.
*/
package policy
