package srvdis

import "github.com/gomesh/gomesh/engine/common"

type selectorMode int

const (
	selectUnicast selectorMode = iota
	selectMulticast
	selectRandomcast
	selectBroadcast
)

// Selector describes which services a request addresses
type Selector struct {
	mode    selectorMode
	target  common.ServiceID
	srvType string
}

// Unicast addresses exactly one service by id
func Unicast(target common.ServiceID) Selector {
	return Selector{mode: selectUnicast, target: target}
}

// Multicast addresses every service of a type
func Multicast(srvType string) Selector {
	return Selector{mode: selectMulticast, srvType: srvType}
}

// Randomcast addresses one arbitrary service of a type
func Randomcast(srvType string) Selector {
	return Selector{mode: selectRandomcast, srvType: srvType}
}

// Broadcast addresses every known service
func Broadcast() Selector {
	return Selector{mode: selectBroadcast}
}
