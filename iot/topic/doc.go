/*Package topic builds and parses the canonical MQTT topic namespace for
devices.

All device topics have the form

	iot/{tenant}/{deviceType}/{deviceId}/{channel}[/{subchannel}]

Gateways additionally use sub-device topics of the form

	iot/{tenant}/gateway/{gatewayId}/subdev/{subDeviceId}/{channel}[/{subchannel}]

Topic segments are validated against a strict character allow-list
before interpolation, so no segment can ever contain a path separator
or an MQTT wildcard.
*/
package topic
