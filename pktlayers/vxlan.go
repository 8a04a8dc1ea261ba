package pktlayers

import (
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeVXLAN is a custom layer type, registered the way heplify
// registers its own ownlayers.VXLAN: the upstream gopacket/layers release
// this module pins does not ship VXLAN decoding, so the encapsulation walk
// needs its own minimal DecodingLayer for the 8-byte VXLAN header (RFC
// 7348 §5): 1 flags byte, 3 reserved bytes, 24-bit VNI, 1 reserved byte.
var LayerTypeVXLAN = gopacket.RegisterLayerType(
	1001,
	gopacket.LayerTypeMetadata{Name: "VXLAN", Decoder: gopacket.DecodeFunc(decodeVXLAN)},
)

// VXLAN is a minimal VXLAN header DecodingLayer. It never carries an IP
// address itself (spec §3.1 invariant); it exists purely so the
// encapsulation walk can step through it to reach the inner Ethernet frame.
type VXLAN struct {
	layers.BaseLayer
	ValidIDFlag bool
	VNI         uint32
}

func (v *VXLAN) LayerType() gopacket.LayerType { return LayerTypeVXLAN }

func (v *VXLAN) NextLayerType() gopacket.LayerType { return layers.LayerTypeEthernet }

func (v *VXLAN) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 8 {
		return errors.New("VXLAN header too short")
	}
	v.ValidIDFlag = data[0]&0x08 != 0
	vni := make([]byte, 4)
	copy(vni[1:], data[4:7])
	v.VNI = binary.BigEndian.Uint32(vni)
	v.BaseLayer = layers.BaseLayer{Contents: data[:8], Payload: data[8:]}
	return nil
}

func (v *VXLAN) CanDecode() gopacket.LayerClass        { return LayerTypeVXLAN }
func (v *VXLAN) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(8)
	if err != nil {
		return err
	}
	bytes[0] = 0
	if v.ValidIDFlag {
		bytes[0] = 0x08
	}
	bytes[1], bytes[2], bytes[3] = 0, 0, 0
	vni := make([]byte, 4)
	binary.BigEndian.PutUint32(vni, v.VNI)
	copy(bytes[4:7], vni[1:])
	bytes[7] = 0
	return nil
}

func decodeVXLAN(data []byte, p gopacket.PacketBuilder) error {
	v := &VXLAN{}
	if err := v.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(v)
	return p.NextDecoder(v.NextLayerType())
}
