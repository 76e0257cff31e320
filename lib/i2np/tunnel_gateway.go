package i2np

import (
	"github.com/go-i2p/go-i2pd/lib/common/data"
)

/*
I2P I2NP TunnelGateway
https://geti2p.net/spec/i2np

+----+----+----+----+----+----+----+----+
| tunnelId          | length  | data ...
+----+----+----+----+----+----+-//

tunnelId ::
         4 byte TunnelId identifying the tunnel this message is directed at

length ::
       2 byte Integer specifying the length of the wrapped message

data ::
     $length bytes of the wrapped I2NP message (type byte + payload)
*/

// NewTunnelGatewayMessage wraps msg for delivery into a tunnel gateway,
// used when a lookup reply must enter a reply tunnel we cannot reach
// through our own outbound tunnels.
func NewTunnelGatewayMessage(tunnelID uint32, msg *Message) *Message {
	inner := make([]byte, 0, 1+len(msg.Payload))
	inner = append(inner, msg.Type)
	inner = append(inner, msg.Payload...)

	buf := make([]byte, 0, 6+len(inner))
	buf = append(buf, data.IntegerBytes(uint64(tunnelID), 4)...)
	buf = append(buf, data.IntegerBytes(uint64(len(inner)), 2)...)
	buf = append(buf, inner...)
	return NewMessage(I2NP_MESSAGE_TYPE_TUNNEL_GATEWAY, buf)
}
