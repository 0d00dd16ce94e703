//go:build linux

package blocking

var dnsFlushCommands = [][]string{
	{"resolvectl", "flush-caches"},
}
