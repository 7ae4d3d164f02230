package virtionet

import "errors"

// Sentinel errors for the virtio-net device. Checked with errors.Is rather
// than message matching.
var (
	ErrDevConfigOverflow = errors.New("virtionet: config write out of range")
	ErrInterruptTrigger  = errors.New("virtionet: failed to raise interrupt")
	ErrEventFDWrite       = errors.New("virtionet: eventfd write failed")
	ErrChannelSend        = errors.New("virtionet: channel send failed")
	ErrDeviceBroken       = errors.New("virtionet: device is broken")
	ErrBadDescriptorChain = errors.New("virtionet: malformed descriptor chain")
	ErrQueuePairsRange    = errors.New("virtionet: requested queue pair count out of range")
	ErrNoMAC              = errors.New("virtionet: no MAC address available")
)
