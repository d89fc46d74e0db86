package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatAgentAddrBareIP(t *testing.T) {
	addr := &net.IPAddr{IP: net.ParseIP("192.168.1.20")}
	assert.Equal(t, "192.168.1.20:47990", formatAgentAddr(addr, 47990))
}

func TestFormatAgentAddrWithExistingPort(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 5353}
	assert.Equal(t, "192.168.1.20:47990", formatAgentAddr(addr, 47990))
}
