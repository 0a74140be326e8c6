// Package main is the entry point of the Modbus bridge. It polls a Modbus
// unit through the resilient client, publishes readings to MQTT and offers
// one-shot read, write and diagnostics commands.
package main

func main() {
	Execute()
}
