/*Package shadow keeps the desired and reported state of every device.

Operators write the desired state through the REST interface; the
shadow publishes it to the device's shadow/desired topic so connected
devices pick it up immediately, and bootstrap returns it to devices
that reconnect later. Devices report their applied state on the
shadow/reported topic, which the shadow consumes from the internal
bus.
*/
package shadow
