package main

import "time"

const (
	backendSPI       = "spi"
	backendSerial    = "serial"
	backendShm       = "shm"
	backendShmDevice = "shm-device"

	serialReadBufSize = 4096 // per read() buffer for serial backend
	// largeBufferReclaimThreshold is the capacity above which the serial RX
	// accumulation buffer is discarded and reallocated once empty.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond

	// exitTransportFailure is the process exit code after an unrecoverable
	// transport I/O failure.
	exitTransportFailure = 3
)
