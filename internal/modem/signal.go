package modem

// RSSIUnknown is the AT+CSQ value for "not known or not detectable".
const RSSIUnknown = 99

// RSSIToDBm converts a raw AT+CSQ RSSI value to dBm. Values 2..30 map
// linearly from -109 to -53 dBm, 31 and above mean -51 dBm or better,
// everything else (including unknown) is reported as -113 dBm.
func RSSIToDBm(rssi int) int {
	switch {
	case rssi >= 2 && rssi <= 30:
		return -109 + (rssi-2)*2
	case rssi >= 31 && rssi != RSSIUnknown:
		return -51
	default:
		return -113
	}
}

// SignalKnown reports whether an RSSI value carries information.
func SignalKnown(rssi int) bool {
	return rssi >= 0 && rssi != RSSIUnknown
}
