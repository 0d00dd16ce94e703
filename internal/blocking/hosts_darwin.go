//go:build darwin

package blocking

var dnsFlushCommands = [][]string{
	{"dscacheutil", "-flushcache"},
	{"killall", "-HUP", "mDNSResponder"},
}
