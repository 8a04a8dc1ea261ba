package pktlayers

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeIsSymmetricBetweenDirections(t *testing.T) {
	fk1, dir1 := Canonicalize(net.ParseIP("10.0.0.1"), 1234, net.ParseIP("10.0.0.2"), 443)
	fk2, dir2 := Canonicalize(net.ParseIP("10.0.0.2"), 443, net.ParseIP("10.0.0.1"), 1234)

	assert.Equal(t, fk1, fk2, "the same flow observed from either side must canonicalize identically")
	assert.NotEqual(t, dir1, dir2, "opposite observation order must tag opposite directions")
}

func TestCanonicalizeOrdersByStringComparison(t *testing.T) {
	fk, dir := Canonicalize(net.ParseIP("10.0.0.2"), 1, net.ParseIP("10.0.0.1"), 2)
	assert.Equal(t, "10.0.0.1", fk.IPA)
	assert.Equal(t, "10.0.0.2", fk.IPB)
	assert.Equal(t, DirReverse, dir)
}

func TestCanonicalizeForwardDirectionWhenAlreadyOrdered(t *testing.T) {
	fk, dir := Canonicalize(net.ParseIP("10.0.0.1"), 1, net.ParseIP("10.0.0.2"), 2)
	assert.Equal(t, "10.0.0.1", fk.IPA)
	assert.Equal(t, DirForward, dir)
}

func TestFlowKeyString(t *testing.T) {
	fk := FlowKey{IPA: "10.0.0.1", PortA: 1, IPB: "10.0.0.2", PortB: 2}
	assert.Equal(t, "10.0.0.1:1<->10.0.0.2:2", fk.String())
}
