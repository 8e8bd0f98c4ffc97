package sysinfo

import (
	"github.com/Mellanox/rdmamap"
	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
)

// NetdevExists reports whether name is a live network interface.
func NetdevExists(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}

// RdmaCharDevices lists the RDMA character devices backing the PCI
// function named by bdf, e.g. "/dev/infiniband/uverbs0".
func RdmaCharDevices(bdf string) []string {
	var devs []string
	for _, resource := range rdmamap.GetRdmaDevicesForPcidev(bdf) {
		devs = append(devs, rdmamap.GetRdmaCharDevices(resource)...)
	}
	return devs
}

// BondLAGLevel returns the number of active 802.3ad ports aggregated
// under netdev. A plain (non-bond) interface, or one whose bond state
// cannot be read, counts as 1.
func BondLAGLevel(src Source, netdev string) uint {
	link, err := netlink.LinkByName(netdev)
	if err != nil {
		log.Debug().Str("netdev", netdev).Err(err).Msg("netdev lookup failed, assuming LAG level 1")
		return 1
	}
	if link.Type() != "bond" {
		return 1
	}
	n, err := src.ReadInt("class", "net", netdev, "bonding", "ad_num_ports")
	if err != nil || n < 1 {
		return 1
	}
	return uint(n)
}
