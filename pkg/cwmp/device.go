package cwmp

// DeviceID identifies the device to the ACS. It is carried in the header
// of every Inform and keyed by the ACS to the provisioning record, so the
// four fields must stay stable across reboots.
type DeviceID struct {
	Manufacturer string
	OUI          string
	ProductClass string
	SerialNumber string
}
