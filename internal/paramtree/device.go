package paramtree

import (
	"time"

	"github.com/tidwall/gjson"
)

// Attributes GenieACS stores next to the parameter tree.
const (
	idKey         = "_id"
	tagsKey       = "_tags"
	lastInformKey = "_lastInform"
)

// Candidate locations of the optical receive power, in lookup order.
var SignalPaths = ParsePaths(
	"VirtualParameters.RXPower",
	"VirtualParameters.redaman",
	"InternetGatewayDevice.WANDevice.1.WANPONInterfaceConfig.RXPower",
	"Device.XPON.Interface.1.Stats.RXPower",
)

// Candidate locations of the device serial number.
var SerialPaths = ParsePaths(
	"DeviceID.SerialNumber",
	"InternetGatewayDevice.DeviceInfo.SerialNumber",
	"Device.DeviceInfo.SerialNumber",
)

// Candidate locations of the PPPoE username reported by the CPE itself. TR-098
// firmwares disagree on whether instance numbers start at 0 or 1.
var UsernamePaths = ParsePaths(
	"InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANPPPConnection.1.Username",
	"InternetGatewayDevice.WANDevice.0.WANConnectionDevice.0.WANPPPConnection.0.Username",
	"Device.PPP.Interface.1.Username",
)

// Candidate locations of the username computed by ACS virtual parameters.
var VirtualUsernamePaths = ParsePaths(
	"VirtualParameters.pppoeUsername",
	"VirtualParameters.pppUsername",
)

// ID returns the device identifier assigned by the ACS
func (t Tree) ID() string {
	return t.root.Get(idKey).String()
}

// Tags returns the free-form tags attached to the device
func (t Tree) Tags() []string {
	v := t.root.Get(tagsKey)
	if !v.IsArray() {
		return nil
	}
	var tags []string
	v.ForEach(func(_, tag gjson.Result) bool {
		if tag.Type == gjson.String {
			tags = append(tags, tag.Str)
		}
		return true
	})
	return tags
}

// LastInform returns the last time the device contacted the ACS
func (t Tree) LastInform() (time.Time, bool) {
	v := t.root.Get(lastInformKey)
	if !v.Exists() {
		return time.Time{}, false
	}
	ts, ok := toTime(v)
	if !ok || ts.IsZero() {
		return time.Time{}, false
	}
	return ts, true
}

// Signal returns the RX power in dBm and the path it was read from
func (t Tree) Signal() (float64, Path, bool) {
	return t.LookupFloat(SignalPaths...)
}
