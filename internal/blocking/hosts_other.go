//go:build !linux && !darwin && !windows

package blocking

var dnsFlushCommands [][]string
