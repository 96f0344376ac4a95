// Package sensor reads temperature, humidity and pressure.
//
// Two drivers are provided: Simulated, a seeded random walk for hosts
// without hardware, and IIO, which reads a Linux industrial-I/O device
// through sysfs. Register-level bus access is left to the kernel driver.
package sensor
