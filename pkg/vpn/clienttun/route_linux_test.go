//go:build linux

package clienttun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultGateway(t *testing.T) {
	out := "default via 192.168.1.1 dev eth0 proto dhcp metric 100\n"
	gw, err := parseDefaultGateway(out)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", gw)
}

func TestParseDefaultGateway_NoDefaultRoute(t *testing.T) {
	_, err := parseDefaultGateway("")
	require.Error(t, err)
}
